package dnsprox

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// TTL of the records returned by the mock upstream.
const mockTTL = 300

// MockUpstream answers A and AAAA queries with fixed addresses without talking to
// any resolver. Useful for testing listeners and clients.
type MockUpstream struct {
	id   string
	a    net.IP
	aaaa net.IP
}

var _ Forwarder = &MockUpstream{}

// MockUpstreamOptions contains the addresses returned by the mock upstream. Either
// can be left blank to return no answer for that type.
type MockUpstreamOptions struct {
	A    string
	AAAA string
}

// NewMockUpstream returns a new instance of a mock upstream.
func NewMockUpstream(id string, opt MockUpstreamOptions) (*MockUpstream, error) {
	m := &MockUpstream{id: id}
	if opt.A != "" {
		ip := net.ParseIP(opt.A)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("invalid IPv4 address '%s' for mock upstream '%s'", opt.A, id)
		}
		m.a = ip.To4()
	}
	if opt.AAAA != "" {
		ip := net.ParseIP(opt.AAAA)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("invalid IPv6 address '%s' for mock upstream '%s'", opt.AAAA, id)
		}
		m.aaaa = ip
	}
	return m, nil
}

// Forward answers every IN A and AAAA question in the query. The timeout is ignored.
func (m *MockUpstream) Forward(q *dns.Msg, timeout time.Duration) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.Question = q.Question
	a.RecursionAvailable = true
	for _, question := range q.Question {
		if question.Qclass != dns.ClassINET {
			continue
		}
		hdr := dns.RR_Header{
			Name:   question.Name,
			Rrtype: question.Qtype,
			Class:  dns.ClassINET,
			Ttl:    mockTTL,
		}
		switch {
		case question.Qtype == dns.TypeA && m.a != nil:
			a.Answer = append(a.Answer, &dns.A{Hdr: hdr, A: m.a})
		case question.Qtype == dns.TypeAAAA && m.aaaa != nil:
			a.Answer = append(a.Answer, &dns.AAAA{Hdr: hdr, AAAA: m.aaaa})
		}
	}
	logger(m.id, q).WithField("answers", len(a.Answer)).Debug("answering from mock upstream")
	return a
}

func (m *MockUpstream) String() string {
	return m.id
}
