package dnsprox

import (
	"io"
	"net"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// DNSListener is a standard DNS listener for UDP or TCP.
type DNSListener struct {
	*dns.Server
	id         string
	opt        ListenOptions
	dispatcher *Dispatcher
	metrics    *ListenerMetrics

	mu      sync.Mutex
	bound   io.Closer
	stopped bool
}

var (
	_ Listener  = &DNSListener{}
	_ Deliverer = &DNSListener{}
)

// Query waiting for its response in the DNS server's handler.
type pendingQuery struct {
	done chan []byte
}

// NewDNSListener returns an instance of either a UDP or TCP DNS listener.
func NewDNSListener(id, addr, network string, opt ListenOptions, forwarder Forwarder) *DNSListener {
	s := &DNSListener{
		id:      id,
		opt:     opt,
		metrics: NewListenerMetrics("listener", id),
	}
	s.dispatcher = NewDispatcher(id, forwarder, s, opt.DispatcherOptions)
	s.Server = &dns.Server{
		Addr:    AddressWithDefault(addr, PlainDNSPort),
		Net:     network,
		Handler: s,
	}
	return s
}

// Start the DNS listener. Blocks until the listener is stopped.
func (s *DNSListener) Start() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": s.Net, "addr": s.Addr}).Info("starting listener")
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	switch s.Net {
	case "udp":
		pc, err := net.ListenPacket(s.Net, s.Addr)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.PacketConn, s.bound = pc, pc
	default:
		l, err := net.Listen(s.Net, s.Addr)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.Listener, s.bound = l, l
	}
	s.mu.Unlock()

	err := s.ActivateAndServe()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return err
}

// Stop the listener. A listener that is stopped before it started won't start
// anymore.
func (s *DNSListener) Stop() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": s.Net, "addr": s.Addr}).Info("stopping listener")
	s.mu.Lock()
	s.stopped = true
	bound := s.bound
	s.mu.Unlock()
	if bound == nil {
		return nil
	}
	if err := s.Shutdown(); err != nil {
		// Bound but not serving yet, closing the socket makes it return right away
		return bound.Close()
	}
	return nil
}

// ServeDNS hands incoming queries to the dispatcher and waits for the response. The
// DNS server runs every query in its own goroutine, so waiting here doesn't hold up
// other clients.
func (s *DNSListener) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	ip := sourceIP(w.RemoteAddr())
	log := logger(s.id, req).WithFields(logrus.Fields{
		"client":   ip,
		"protocol": s.Net,
		"addr":     s.Addr,
	})
	log.Debug("received query")
	s.metrics.query.Add(1)

	if !isAllowed(s.opt.AllowedNet, ip) {
		s.metrics.err.Add("acl", 1)
		log.Debug("refusing client ip")
		s.reply(w, log, refused(req))
		return
	}

	b, err := req.Pack()
	if err == nil {
		p := &pendingQuery{done: make(chan []byte, 1)}
		if err = s.dispatcher.Submit(b, p); err == nil {
			b = <-p.done
		}
	}
	if err != nil {
		s.metrics.err.Add("query", 1)
		log.WithError(err).Debug("failed to submit query")
		s.reply(w, log, formerr(req))
		return
	}

	a := new(dns.Msg)
	if err := a.Unpack(b); err != nil {
		s.metrics.err.Add("response", 1)
		log.WithError(err).Error("failed to parse response")
		a = servfail(req)
	}

	// Check the response actually fits if the query was sent over UDP. If not, respond with TC flag.
	if s.Net == "udp" {
		a.Truncate(maxUDPSize(req))
	}
	s.reply(w, log, a)
}

// Deliver passes a response to the handler waiting for it.
func (s *DNSListener) Deliver(response []byte, requester Requester) {
	p, ok := requester.(*pendingQuery)
	if !ok {
		Log.WithField("id", s.id).Errorf("unexpected requester %T", requester)
		return
	}
	p.done <- response
}

func (s *DNSListener) String() string {
	return s.id
}

func (s *DNSListener) reply(w dns.ResponseWriter, log *logrus.Entry, a *dns.Msg) {
	s.metrics.response.Add(rCode(a), 1)
	if err := w.WriteMsg(a); err != nil {
		s.metrics.drop.Add(1)
		log.WithError(err).Debug("failed to send response")
	}
}
