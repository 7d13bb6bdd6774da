package dnsprox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTransport(t *testing.T) {
	tests := map[string]Transport{
		"":        TransportUDP,
		"udp":     TransportUDP,
		"tcp":     TransportTCP,
		"udp+tcp": TransportUDPTCPFallback,
	}
	for s, expected := range tests {
		transport, err := ParseTransport(s)
		require.NoError(t, err)
		require.Equal(t, expected, transport)
	}

	_, err := ParseTransport("quic")
	require.Error(t, err)
}

func TestAddressWithDefault(t *testing.T) {
	tests := []struct {
		addr     string
		expected string
	}{
		{"127.0.0.1", "127.0.0.1:53"},
		{"127.0.0.1:5353", "127.0.0.1:5353"},
		{"::1", "[::1]:53"},
		{"[::1]", "[::1]:53"},
		{"[::1]:5353", "[::1]:5353"},
		{"", "localhost:53"},
		{":5353", "localhost:5353"},
		{"dns.example", "dns.example:53"},
	}
	for _, test := range tests {
		require.Equal(t, test.expected, AddressWithDefault(test.addr, 53), test.addr)
	}
}
