package dnsprox

import (
	"errors"
	"expvar"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	perrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"
)

// Converts upstream host names to ASCII. Unlike idna.Lookup it doesn't apply STD3
// rules, so names like "dns_server" that resolve fine in container networks are
// accepted.
var hostProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false))

// Upstream is a client for the one resolver the proxy forwards queries to. It
// never fails a query, any problem reaching the resolver results in a SERVFAIL
// response.
type Upstream struct {
	id       string
	host     string
	endpoint string
	opt      UpstreamOptions
	budget   timeBudget
	metrics  *UpstreamMetrics
}

var _ Forwarder = &Upstream{}

// UpstreamOptions contains options used by the upstream client.
type UpstreamOptions struct {
	// Port of the upstream resolver. Defaults to 53.
	Port int

	// Transport used to talk to the resolver. Defaults to UDP.
	Transport Transport

	// Total time a UDP query may take if the caller doesn't provide a timeout.
	// Defaults to DefaultLifetime.
	Lifetime time.Duration

	// Upper limit for every individual UDP attempt. Defaults to DefaultAttemptTimeout.
	AttemptTimeout time.Duration
}

type UpstreamMetrics struct {
	// Count of queries.
	query *expvar.Int
	// Count of queries retried over TCP after a truncated response.
	fallback *expvar.Int
	// Synthesized failures by cause.
	servfail *expvar.Map
	// Upstream responses by rcode.
	response *expvar.Map
}

func NewUpstreamMetrics(id string) *UpstreamMetrics {
	return &UpstreamMetrics{
		query:    getVarInt("upstream", id, "query"),
		fallback: getVarInt("upstream", id, "fallback"),
		servfail: getVarMap("upstream", id, "servfail"),
		response: getVarMap("upstream", id, "response"),
	}
}

// NewUpstream returns a client for the resolver at host. An invalid port or an
// unsupported transport are reported here rather than when queries are made.
func NewUpstream(id, host string, opt UpstreamOptions) (*Upstream, error) {
	if !opt.Transport.valid() {
		return nil, fmt.Errorf("unsupported transport %s for upstream '%s'", opt.Transport, id)
	}
	if opt.Port == 0 {
		opt.Port = PlainDNSPort
	}
	if opt.Port < 1 || opt.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d for upstream '%s'", opt.Port, id)
	}
	if host == "" {
		return nil, fmt.Errorf("no host given for upstream '%s'", id)
	}
	if net.ParseIP(host) == nil {
		ascii, err := hostProfile.ToASCII(host)
		if err != nil {
			return nil, perrors.Wrapf(err, "invalid host '%s' for upstream '%s'", host, id)
		}
		host = ascii
	}
	if opt.Lifetime == 0 {
		opt.Lifetime = DefaultLifetime
	}
	if opt.AttemptTimeout == 0 {
		opt.AttemptTimeout = DefaultAttemptTimeout
	}
	u := &Upstream{
		id:       id,
		host:     host,
		endpoint: net.JoinHostPort(host, strconv.Itoa(opt.Port)),
		opt:      opt,
		budget: timeBudget{
			now:            time.Now,
			attemptTimeout: opt.AttemptTimeout,
		},
		metrics: NewUpstreamMetrics(id),
	}
	getVarString("upstream", id, "endpoint").Set(u.endpoint + "/" + opt.Transport.String())
	return u, nil
}

// Query forwards a query in wire format and returns the response in wire format.
// For UDP, a non-zero timeout replaces the configured lifetime of the query. For
// TCP and UDP with fallback it limits each exchange. An error is only returned if
// the query itself can't be parsed.
func (u *Upstream) Query(query []byte, timeout time.Duration) ([]byte, error) {
	q := new(dns.Msg)
	if err := q.Unpack(query); err != nil {
		return nil, perrors.Wrap(ErrMalformedQuery, err.Error())
	}
	a := u.Forward(q, timeout)
	b, err := a.Pack()
	if err != nil {
		logger(u.id, q).WithError(err).Debug("failed to pack response")
		return servfail(q).Pack()
	}
	return b, nil
}

// Forward sends a query to the upstream resolver and returns the response. The
// response always carries the ID of q, even if a different one was used upstream.
func (u *Upstream) Forward(q *dns.Msg, timeout time.Duration) *dns.Msg {
	start := u.budget.now()
	originalID := q.Id

	// Packing a message is not always a read-only operation, make a copy
	q = q.Copy()
	for q.Id == 0 {
		q.Id = dns.Id()
	}
	log := logger(u.id, q).WithField("original-qid", originalID)
	log.WithFields(logrus.Fields{
		"resolver":  u.endpoint,
		"transport": u.opt.Transport.String(),
	}).Debug("querying upstream resolver")
	u.metrics.query.Add(1)

	var (
		a   *dns.Msg
		err error
	)
	switch u.opt.Transport {
	case TransportUDP:
		lifetime := u.opt.Lifetime
		if timeout > 0 {
			lifetime = timeout
		}
		a, err = u.udp(q, start, lifetime)
	case TransportTCP:
		a, err = u.exchange("tcp", q, timeout)
	case TransportUDPTCPFallback:
		a, err = u.udpWithFallback(q, timeout)
	}

	if err != nil {
		cause := "network"
		if isTimeout(err) {
			cause = "timeout"
		}
		log.WithError(err).WithField("cause", cause).Debug("upstream query failed, responding with SERVFAIL")
		u.metrics.servfail.Add(cause, 1)
		a = servfail(q)
	} else {
		u.metrics.response.Add(rCode(a), 1)
	}
	a.Id = originalID
	return a
}

// Port returns the port of the upstream resolver.
func (u *Upstream) Port() int {
	return u.opt.Port
}

// Transport returns the transport used to reach the upstream resolver.
func (u *Upstream) Transport() Transport {
	return u.opt.Transport
}

func (u *Upstream) String() string {
	return u.id
}

// Sends the query over UDP once. There is no retry on failure.
func (u *Upstream) udp(q *dns.Msg, start time.Time, lifetime time.Duration) (*dns.Msg, error) {
	timeout, err := u.budget.remaining(q, start, lifetime)
	if err != nil {
		return nil, err
	}
	return u.exchange("udp", q, timeout)
}

// Sends the query over UDP and, if the response was truncated, once more over TCP.
func (u *Upstream) udpWithFallback(q *dns.Msg, timeout time.Duration) (*dns.Msg, error) {
	a, err := u.exchange("udp", q, timeout)
	if err != nil {
		return nil, err
	}
	if a.Truncated {
		logger(u.id, q).Debug("truncated response, retrying over tcp")
		u.metrics.fallback.Add(1)
		return u.exchange("tcp", q, timeout)
	}
	return a, nil
}

// Single exchange with the upstream resolver. A zero timeout leaves the dial, read
// and write timeouts of the DNS client at their defaults. Responses with an ID other
// than the one in q are ignored by the client.
func (u *Upstream) exchange(network string, q *dns.Msg, timeout time.Duration) (*dns.Msg, error) {
	client := &dns.Client{
		Net:     network,
		Timeout: timeout,
	}
	a, _, err := client.Exchange(q, u.endpoint)
	if err != nil {
		return nil, err
	}
	if a.Id != q.Id {
		return nil, fmt.Errorf("unexpected response id %d for query %d", a.Id, q.Id)
	}
	return a, nil
}

func isTimeout(err error) bool {
	var qt QueryTimeoutError
	if errors.As(err, &qt) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
