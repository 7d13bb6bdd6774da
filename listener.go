package dnsprox

import (
	"expvar"
	"fmt"
	"net"
)

// Listener is an interface for a DNS listener.
type Listener interface {
	Start() error
	Stop() error
	fmt.Stringer
}

// ListenOptions contains options common to all DNS listeners.
type ListenOptions struct {
	// Network allowed to query this listener.
	AllowedNet []*net.IPNet

	// Options for the dispatcher used by the listener.
	DispatcherOptions
}

type ListenerMetrics struct {
	// Count of queries.
	query *expvar.Int
	// Count of responses by rcode.
	response *expvar.Map
	// Count of errors by cause.
	err *expvar.Map
	// Count of responses that couldn't be sent.
	drop *expvar.Int
}

func NewListenerMetrics(base string, id string) *ListenerMetrics {
	return &ListenerMetrics{
		query:    getVarInt(base, id, "query"),
		response: getVarMap(base, id, "response"),
		err:      getVarMap(base, id, "error"),
		drop:     getVarInt(base, id, "drop"),
	}
}

func isAllowed(allowedNet []*net.IPNet, ip net.IP) bool {
	if len(allowedNet) == 0 {
		return true
	}
	for _, net := range allowedNet {
		if net.Contains(ip) {
			return true
		}
	}
	return false
}

// Returns the IP of a client address.
func sourceIP(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP
	case *net.UDPAddr:
		return addr.IP
	}
	return nil
}
