package dnsprox

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// TestForwarder is a forwarder used in tests. It answers with an empty response
// unless ForwardFunc is set.
type TestForwarder struct {
	ForwardFunc func(*dns.Msg) *dns.Msg

	mu       sync.Mutex
	hitCount int
}

func (r *TestForwarder) Forward(q *dns.Msg, timeout time.Duration) *dns.Msg {
	r.mu.Lock()
	r.hitCount++
	r.mu.Unlock()
	if r.ForwardFunc != nil {
		return r.ForwardFunc(q)
	}
	a := new(dns.Msg)
	a.SetReply(q)
	return a
}

func (r *TestForwarder) HitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hitCount
}

func (r *TestForwarder) String() string {
	return "TestForwarder()"
}

// Returns a free local address a listener can be started on.
func getLnAddress() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// Starts a DNS server on 127.0.0.1 answering with h. Port 0 picks a free one. The
// server is stopped when the test ends.
func startStubServer(t *testing.T, network string, port int, h dns.HandlerFunc) int {
	t.Helper()
	s := &dns.Server{Handler: h}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	switch network {
	case "udp":
		pc, err := net.ListenPacket("udp", addr)
		require.NoError(t, err)
		s.PacketConn = pc
		port = pc.LocalAddr().(*net.UDPAddr).Port
	case "tcp":
		l, err := net.Listen("tcp", addr)
		require.NoError(t, err)
		s.Listener = l
		port = l.Addr().(*net.TCPAddr).Port
	default:
		t.Fatalf("unsupported network %s", network)
	}
	started := make(chan struct{})
	s.NotifyStartedFunc = func() { close(started) }
	go s.ActivateAndServe()
	<-started
	t.Cleanup(func() { _ = s.Shutdown() })
	return port
}

// Handler answering every A query with 192.0.2.1.
func answerA(w dns.ResponseWriter, q *dns.Msg) {
	a := new(dns.Msg)
	a.SetReply(q)
	a.RecursionAvailable = true
	a.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IP{192, 0, 2, 1},
		},
	}
	_ = w.WriteMsg(a)
}

func mustPort(t *testing.T, port string) int {
	t.Helper()
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return p
}

// Starts l after it was stopped and expects Start to return right away.
func requireStartAfterStopReturns(t *testing.T, l Listener) {
	t.Helper()
	require.NoError(t, l.Stop())
	done := make(chan error, 1)
	go func() { done <- l.Start() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		_ = l.Stop()
		t.Fatalf("listener %s kept serving after it was stopped", l)
	}
}
