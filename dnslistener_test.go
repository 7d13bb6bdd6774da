package dnsprox

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// Starts a listener and waits for it to be ready.
func startDNSListener(t *testing.T, s *DNSListener) {
	t.Helper()
	started := make(chan struct{})
	s.NotifyStartedFunc = func() { close(started) }
	go s.Start()
	<-started
	t.Cleanup(func() { _ = s.Stop() })
}

func TestDNSListener(t *testing.T) {
	upstream, err := NewMockUpstream("test-mock", MockUpstreamOptions{A: "192.0.2.1"})
	require.NoError(t, err)

	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			addr, err := getLnAddress()
			require.NoError(t, err)
			s := NewDNSListener("test-dns-"+network, addr, network, ListenOptions{}, upstream)
			startDNSListener(t, s)

			c := &dns.Client{Net: network}
			q := new(dns.Msg)
			q.SetQuestion("example.com.", dns.TypeA)
			a, _, err := c.Exchange(q, addr)
			require.NoError(t, err)
			require.Equal(t, q.Id, a.Id)
			require.Equal(t, dns.RcodeSuccess, a.Rcode)
			require.Len(t, a.Answer, 1)
			require.Equal(t, "192.0.2.1", a.Answer[0].(*dns.A).A.String())
		})
	}
}

func TestDNSListenerServfail(t *testing.T) {
	// Upstream that isn't listening
	upstreamAddr, err := getLnAddress()
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(upstreamAddr)
	require.NoError(t, err)
	upstream, err := NewUpstream("test-upstream-down", host, UpstreamOptions{Port: mustPort(t, port), Transport: TransportTCP})
	require.NoError(t, err)

	addr, err := getLnAddress()
	require.NoError(t, err)
	s := NewDNSListener("test-dns-servfail", addr, "udp", ListenOptions{}, upstream)
	startDNSListener(t, s)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	a, _, err := new(dns.Client).Exchange(q, addr)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeServerFailure, a.Rcode)
	require.Equal(t, q.Question, a.Question)
}

func TestDNSListenerACL(t *testing.T) {
	upstream := new(TestForwarder)
	_, allowed, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)

	addr, err := getLnAddress()
	require.NoError(t, err)
	s := NewDNSListener("test-dns-acl", addr, "udp", ListenOptions{AllowedNet: []*net.IPNet{allowed}}, upstream)
	startDNSListener(t, s)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	a, _, err := new(dns.Client).Exchange(q, addr)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeRefused, a.Rcode)
	require.Equal(t, 0, upstream.HitCount())
}

func TestDNSListenerTruncate(t *testing.T) {
	// Respond with more than fits in a plain UDP response
	upstream := &TestForwarder{
		ForwardFunc: func(q *dns.Msg) *dns.Msg {
			a := new(dns.Msg)
			a.SetReply(q)
			for i := 0; i < 64; i++ {
				a.Answer = append(a.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.IP{192, 0, 2, byte(i)},
				})
			}
			return a
		},
	}

	addr, err := getLnAddress()
	require.NoError(t, err)
	s := NewDNSListener("test-dns-truncate", addr, "udp", ListenOptions{}, upstream)
	startDNSListener(t, s)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	a, _, err := new(dns.Client).Exchange(q, addr)
	require.NoError(t, err)
	require.True(t, a.Truncated)
	require.Less(t, len(a.Answer), 64)
}

func TestDNSListenerStopBeforeStart(t *testing.T) {
	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			addr, err := getLnAddress()
			require.NoError(t, err)
			s := NewDNSListener("test-dns-early-stop-"+network, addr, network, ListenOptions{}, new(TestForwarder))
			requireStartAfterStopReturns(t, s)
		})
	}
}
