package dnsprox

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Transport selects how queries are sent to the upstream resolver.
type Transport int

const (
	// TransportUDP sends queries as single datagrams.
	TransportUDP Transport = iota
	// TransportUDPTCPFallback uses UDP and repeats the query over TCP if the
	// response is truncated.
	TransportUDPTCPFallback
	// TransportTCP sends length-prefixed queries over a TCP connection.
	TransportTCP
)

// Default ports
var (
	PlainDNSPort = 53
	DTLSPort     = 853
	CoAPPort     = 5683
)

// ParseTransport returns the transport for one of "udp", "tcp" or "udp+tcp".
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "udp", "":
		return TransportUDP, nil
	case "udp+tcp":
		return TransportUDPTCPFallback, nil
	case "tcp":
		return TransportTCP, nil
	default:
		return 0, fmt.Errorf("unsupported transport '%s'", s)
	}
}

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportUDPTCPFallback:
		return "udp+tcp"
	case TransportTCP:
		return "tcp"
	default:
		return "Transport(" + strconv.Itoa(int(t)) + ")"
	}
}

func (t Transport) valid() bool {
	switch t {
	case TransportUDP, TransportUDPTCPFallback, TransportTCP:
		return true
	}
	return false
}

// AddressWithDefault returns addr with defaultPort added if it doesn't already
// carry a port. An empty host is replaced with "localhost".
func AddressWithDefault(addr string, defaultPort int) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// No port at all, possibly a bare IPv6 address
		host, port = strings.Trim(addr, "[]"), ""
	}
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = strconv.Itoa(defaultPort)
	}
	return net.JoinHostPort(host, port)
}
