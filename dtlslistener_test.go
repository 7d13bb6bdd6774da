package dnsprox

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pion/dtls/v2"
	"github.com/stretchr/testify/require"
)

// Starts a DTLS listener with PSK authentication and returns the address it's bound to.
func startDTLSListener(t *testing.T, id string, forwarder Forwarder) *net.UDPAddr {
	t.Helper()
	addr, err := getLnAddress()
	require.NoError(t, err)
	dtlsConfig, err := DTLSServerPSKConfig("test-client", "secret")
	require.NoError(t, err)
	s := NewDTLSListener(id, addr, DTLSListenerOptions{DTLSConfig: dtlsConfig}, forwarder)
	go s.Start()
	t.Cleanup(func() { _ = s.Stop() })
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 10*time.Millisecond)
	return s.Addr().(*net.UDPAddr)
}

func dialDTLS(t *testing.T, addr *net.UDPAddr, identity, psk string) (*dtls.Conn, error) {
	t.Helper()
	config := DTLSClientPSKConfig(identity, psk)
	config.ConnectContextMaker = func() (context.Context, func()) {
		return context.WithTimeout(context.Background(), 2*time.Second)
	}
	return dtls.Dial("udp", addr, config)
}

func TestDTLSListener(t *testing.T) {
	upstream, err := NewMockUpstream("test-mock", MockUpstreamOptions{A: "192.0.2.1"})
	require.NoError(t, err)
	addr := startDTLSListener(t, "test-dtls-server", upstream)

	conn, err := dialDTLS(t, addr, "test-client", "secret")
	require.NoError(t, err)
	defer conn.Close()

	// Every record carries one message, without length prefix
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	b, err := q.Pack()
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	a := new(dns.Msg)
	require.NoError(t, a.Unpack(buf[:n]))
	require.Equal(t, q.Id, a.Id)
	require.Len(t, a.Answer, 1)
	require.Equal(t, "192.0.2.1", a.Answer[0].(*dns.A).A.String())
}

func TestDTLSListenerMalformedQuery(t *testing.T) {
	upstream := new(TestForwarder)
	addr := startDTLSListener(t, "test-dtls-malformed", upstream)

	conn, err := dialDTLS(t, addr, "test-client", "secret")
	require.NoError(t, err)
	defer conn.Close()

	// Garbage is dropped without a response, the session stays usable
	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	b, err := q.Pack()
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	a := new(dns.Msg)
	require.NoError(t, a.Unpack(buf[:n]))
	require.Equal(t, q.Id, a.Id)
	require.Equal(t, 1, upstream.HitCount())
}

func TestDTLSListenerWrongIdentity(t *testing.T) {
	upstream := new(TestForwarder)
	addr := startDTLSListener(t, "test-dtls-wrong-identity", upstream)

	conn, err := dialDTLS(t, addr, "someone-else", "secret")
	if err == nil {
		conn.Close()
	}
	require.Error(t, err)
	require.Equal(t, 0, upstream.HitCount())
}

func TestDTLSServerPSKConfig(t *testing.T) {
	_, err := DTLSServerPSKConfig("", "secret")
	require.Error(t, err)
	_, err = DTLSServerPSKConfig("client", "")
	require.Error(t, err)

	config, err := DTLSServerPSKConfig("client", "secret")
	require.NoError(t, err)
	psk, err := config.PSK([]byte("client"))
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), psk)
	_, err = config.PSK([]byte("other"))
	require.Error(t, err)
}

func TestDTLSServerConfig(t *testing.T) {
	_, err := DTLSServerConfig("", "", "", false)
	require.Error(t, err)

	_, err = DTLSServerConfig("", "does-not-exist.crt", "does-not-exist.key", false)
	require.Error(t, err)
}

func TestDTLSListenerStopBeforeStart(t *testing.T) {
	addr, err := getLnAddress()
	require.NoError(t, err)
	dtlsConfig, err := DTLSServerPSKConfig("test-client", "secret")
	require.NoError(t, err)
	s := NewDTLSListener("test-dtls-early-stop", addr, DTLSListenerOptions{DTLSConfig: dtlsConfig}, new(TestForwarder))
	requireStartAfterStopReturns(t, s)
}

func TestDTLSListenerKeepsConfig(t *testing.T) {
	addr, err := getLnAddress()
	require.NoError(t, err)
	dtlsConfig, err := DTLSServerPSKConfig("test-client", "secret")
	require.NoError(t, err)
	s := NewDTLSListener("test-dtls-shared-config", addr, DTLSListenerOptions{DTLSConfig: dtlsConfig}, new(TestForwarder))
	go s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 10*time.Millisecond)

	// The caller's config is left as it was
	require.Nil(t, dtlsConfig.ConnectContextMaker)
}
