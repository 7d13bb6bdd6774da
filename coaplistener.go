package dnsprox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/server"
	"github.com/sirupsen/logrus"
)

// Content format of DNS messages in CoAP payloads.
const CoAPDNSMessage message.MediaType = 553

// FETCH method code, not among the request codes defined by go-coap.
const coapFETCH codes.Code = 5

// CoAPListener is a DNS listener/server for DNS-over-CoAP. Queries are accepted
// with FETCH and POST as payload, or with GET in the "dns" URI query parameter
// encoded as base64url.
type CoAPListener struct {
	id   string
	addr string
	path string
	opt  CoAPListenerOptions

	dispatcher *Dispatcher
	metrics    *ListenerMetrics

	mu       sync.Mutex
	server   *server.Server
	listener *coapNet.UDPConn
	stopped  bool
}

var (
	_ Listener  = &CoAPListener{}
	_ Deliverer = &CoAPListener{}
)

// CoAPListenerOptions contains options used by the DNS-over-CoAP server.
type CoAPListenerOptions struct {
	ListenOptions

	// Resource path queries are served on. Defaults to "dns".
	Path string
}

// CoAP request waiting for its response in the handler.
type coapRequest struct {
	msg  *mux.Message
	done chan []byte
}

// NewCoAPListener returns an instance of a DNS-over-CoAP listener.
func NewCoAPListener(id, addr string, opt CoAPListenerOptions, forwarder Forwarder) *CoAPListener {
	path := strings.Trim(opt.Path, "/")
	if path == "" {
		path = "dns"
	}
	s := &CoAPListener{
		id:      id,
		addr:    AddressWithDefault(addr, CoAPPort),
		path:    "/" + path,
		opt:     opt,
		metrics: NewListenerMetrics("listener", id),
	}
	s.dispatcher = NewDispatcher(id, forwarder, s, opt.ListenOptions.DispatcherOptions)
	return s
}

// Start the CoAP server. Blocks until the listener is stopped.
func (s *CoAPListener) Start() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "coap", "addr": s.addr, "path": s.path}).Info("starting listener")
	router := mux.NewRouter()
	if err := router.Handle(s.path, mux.HandlerFunc(s.serveCoAP)); err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	l, err := coapNet.NewListenUDP("udp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	srv := udp.NewServer(options.WithMux(router))
	s.listener, s.server = l, srv
	s.mu.Unlock()

	err = srv.Serve(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return err
}

// Addr returns the address the listener is bound to, or nil if it isn't running.
func (s *CoAPListener) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.LocalAddr()
}

// Stop the server. A listener that is stopped before it started won't start
// anymore.
func (s *CoAPListener) Stop() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "coap", "addr": s.addr}).Info("stopping listener")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.server == nil {
		return nil
	}
	s.server.Stop()
	s.server = nil
	s.listener = nil
	return nil
}

// Deliver passes a response to the handler waiting for it.
func (s *CoAPListener) Deliver(response []byte, requester Requester) {
	r, ok := requester.(*coapRequest)
	if !ok {
		Log.WithField("id", s.id).Errorf("unexpected requester %T", requester)
		return
	}
	r.done <- response
}

func (s *CoAPListener) String() string {
	return s.id
}

// Handles a request on the DNS resource. The response is piggybacked on the
// acknowledgement, so the handler waits for the dispatcher to deliver it.
func (s *CoAPListener) serveCoAP(w mux.ResponseWriter, r *mux.Message) {
	ip := sourceIP(w.Conn().RemoteAddr())
	log := Log.WithFields(logrus.Fields{
		"id":       s.id,
		"client":   ip,
		"protocol": "coap",
		"method":   r.Code().String(),
	})
	log.Debug("received request")
	s.metrics.query.Add(1)

	if !isAllowed(s.opt.AllowedNet, ip) {
		s.metrics.err.Add("acl", 1)
		log.Debug("refusing client ip")
		s.reply(w, log, codes.Forbidden, nil)
		return
	}

	var (
		query []byte
		code  codes.Code
		err   error
	)
	switch r.Code() {
	case coapFETCH, codes.POST:
		code = codes.Content
		if r.Code() == codes.POST {
			code = codes.Changed
		}
		if cf, err := r.ContentFormat(); err != nil || cf != CoAPDNSMessage {
			s.metrics.err.Add("content-format", 1)
			log.Debug("unsupported content format")
			s.reply(w, log, codes.UnsupportedMediaType, nil)
			return
		}
		if query, err = r.ReadBody(); err != nil {
			s.metrics.err.Add("query", 1)
			log.WithError(err).Debug("failed to read payload")
			s.reply(w, log, codes.BadRequest, nil)
			return
		}
	case codes.GET:
		code = codes.Content
		if query, err = queryFromURI(r); err != nil {
			s.metrics.err.Add("query", 1)
			log.WithError(err).Debug("invalid query parameter")
			s.reply(w, log, codes.BadRequest, nil)
			return
		}
	default:
		s.metrics.err.Add("method", 1)
		s.reply(w, log, codes.MethodNotAllowed, nil)
		return
	}

	// Only DNS messages can be returned, anything else asked for is refused
	// before the query is forwarded
	if accept, err := r.Accept(); err == nil && accept != CoAPDNSMessage {
		s.metrics.err.Add("accept", 1)
		log.WithField("accept", accept.String()).Debug("unacceptable response format")
		s.reply(w, log, codes.NotAcceptable, nil)
		return
	}

	req := &coapRequest{msg: r, done: make(chan []byte, 1)}
	if err := s.dispatcher.Submit(query, req); err != nil {
		s.metrics.err.Add("query", 1)
		log.WithError(err).Debug("dropping malformed query")
		s.reply(w, log, codes.BadRequest, nil)
		return
	}
	response := <-req.done

	a := new(dns.Msg)
	if err := a.Unpack(response); err == nil {
		s.metrics.response.Add(rCode(a), 1)
	}
	s.reply(w, log, code, response)
}

func (s *CoAPListener) reply(w mux.ResponseWriter, log *logrus.Entry, code codes.Code, payload []byte) {
	var err error
	if payload == nil {
		err = w.SetResponse(code, message.TextPlain, nil)
	} else {
		err = w.SetResponse(code, CoAPDNSMessage, bytes.NewReader(payload))
	}
	if err != nil {
		s.metrics.drop.Add(1)
		log.WithError(err).Debug("failed to send response")
	}
}

// Returns the query carried in the "dns" URI query parameter of a GET request.
// Padding is optional.
func queryFromURI(r *mux.Message) ([]byte, error) {
	queries, err := r.Queries()
	if err != nil {
		return nil, err
	}
	for _, q := range queries {
		name, value, ok := strings.Cut(q, "=")
		if !ok || name != "dns" {
			continue
		}
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	}
	return nil, errors.New("no dns query parameter")
}
