package dnsprox

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"
)

// DTLSListener is a DNS listener/server for DNS-over-DTLS. Every DTLS record carries
// exactly one DNS message, without length prefix.
type DTLSListener struct {
	id   string
	addr string
	opt  DTLSListenerOptions

	dispatcher *Dispatcher
	metrics    *ListenerMetrics

	mu       sync.Mutex
	listener net.Listener
	sessions map[net.Conn]struct{}
	stopped  bool
}

var (
	_ Listener  = &DTLSListener{}
	_ Deliverer = &DTLSListener{}
)

// DTLSListenerOptions contains options used by the DNS-over-DTLS server.
type DTLSListenerOptions struct {
	ListenOptions

	DTLSConfig *dtls.Config

	// Time allowed for a handshake. Defaults to 2 seconds.
	HandshakeTimeout time.Duration
}

// NewDTLSListener returns an instance of a DNS-over-DTLS listener.
func NewDTLSListener(id, addr string, opt DTLSListenerOptions, forwarder Forwarder) *DTLSListener {
	if opt.HandshakeTimeout == 0 {
		opt.HandshakeTimeout = 2 * time.Second
	}
	s := &DTLSListener{
		id:       id,
		addr:     AddressWithDefault(addr, DTLSPort),
		opt:      opt,
		metrics:  NewListenerMetrics("listener", id),
		sessions: make(map[net.Conn]struct{}),
	}
	s.dispatcher = NewDispatcher(id, forwarder, s, opt.ListenOptions.DispatcherOptions)
	return s
}

// Start the DTLS server. Blocks until the listener is stopped.
func (s *DTLSListener) Start() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "dtls", "addr": s.addr}).Info("starting listener")
	if s.opt.DTLSConfig == nil {
		return errors.New("no dtls config provided")
	}

	host, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return err
	}
	addr := &net.UDPAddr{IP: ips[0], Port: p}

	// Work on a copy, the config may be shared with other listeners
	dtlsConfig := *s.opt.DTLSConfig
	dtlsConfig.ConnectContextMaker = func() (context.Context, func()) {
		return context.WithTimeout(context.Background(), s.opt.HandshakeTimeout)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	listener, err := dtls.Listen("udp", addr, &dtlsConfig)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.listener = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.listener != listener
			s.mu.Unlock()
			if stopped || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Failed handshakes surface here, keep serving everyone else
			s.metrics.err.Add("handshake", 1)
			Log.WithField("id", s.id).WithError(err).Debug("failed to accept dtls session")
			continue
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.sessions[conn] = struct{}{}
		s.mu.Unlock()
		go s.serve(conn)
	}
}

// Addr returns the address the listener is bound to, or nil if it isn't running.
func (s *DTLSListener) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop the server and close all sessions. A listener that is stopped before it
// started won't start anymore.
func (s *DTLSListener) Stop() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "dtls", "addr": s.addr}).Info("stopping listener")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	for conn := range s.sessions {
		conn.Close()
	}
	s.sessions = make(map[net.Conn]struct{})
	s.listener = nil
	return err
}

// Deliver sends a response back on the session the query came in on.
func (s *DTLSListener) Deliver(response []byte, requester Requester) {
	conn, ok := requester.(net.Conn)
	if !ok {
		Log.WithField("id", s.id).Errorf("unexpected requester %T", requester)
		return
	}
	a := new(dns.Msg)
	if err := a.Unpack(response); err == nil {
		s.metrics.response.Add(rCode(a), 1)
	}
	if _, err := conn.Write(response); err != nil {
		s.metrics.drop.Add(1)
		Log.WithFields(logrus.Fields{"id": s.id, "client": conn.RemoteAddr()}).WithError(err).Debug("failed to send response")
	}
}

func (s *DTLSListener) String() string {
	return s.id
}

// Reads queries from a DTLS session until it's closed.
func (s *DTLSListener) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.sessions, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	ip := sourceIP(conn.RemoteAddr())
	log := Log.WithFields(logrus.Fields{"id": s.id, "client": ip, "protocol": "dtls"})
	if !isAllowed(s.opt.AllowedNet, ip) {
		s.metrics.err.Add("acl", 1)
		log.Debug("refusing client ip")
		return
	}
	log.Debug("dtls session established")

	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.WithError(err).Debug("dtls session terminated")
			return
		}
		s.metrics.query.Add(1)
		query := make([]byte, n)
		copy(query, buf[:n])
		if err := s.dispatcher.Submit(query, conn); err != nil {
			s.metrics.err.Add("query", 1)
			log.WithError(err).Debug("dropping malformed query")
		}
	}
}
