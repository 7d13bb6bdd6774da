package main

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/dnsprox/dnsprox"
	"github.com/pion/dtls/v2"
	"github.com/pkg/errors"
)

// Builds a config from the command line arguments, only the parts that were given
// are set.
func argsConfig(opt options) (config, error) {
	var (
		c   config
		err error
	)
	c.Verbosity = opt.verbosity
	c.Timeout = opt.timeout
	c.Workers = opt.workers
	for name, value := range map[string]string{"udp": opt.udp, "tcp": opt.tcp, "dtls": opt.dtls, "coap": opt.coap} {
		if value == "" {
			continue
		}
		if c.Transports == nil {
			c.Transports = make(map[string]*listener)
		}
		if c.Transports[name], err = parseListenerArg(value); err != nil {
			return c, errors.Wrapf(err, "invalid --%s argument", name)
		}
	}
	if len(opt.dtlsCredentials) > 0 {
		if len(opt.dtlsCredentials) != 2 {
			return c, errors.New("--dtls-credentials requires client_id,psk")
		}
		c.DTLSCredentials = &dtlsCredentials{
			ClientIdentity: opt.dtlsCredentials[0],
			PSK:            opt.dtlsCredentials[1],
		}
	}
	if len(opt.upstream) > 0 {
		if c.UpstreamDNS, err = parseUpstreamArg(opt.upstream); err != nil {
			return c, errors.Wrap(err, "invalid --upstream-dns argument")
		}
	}
	if opt.admin != "" {
		c.Admin = &admin{Address: opt.admin}
	}
	return c, nil
}

// Parses host[,port] for listeners.
func parseListenerArg(s string) (*listener, error) {
	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return nil, fmt.Errorf("expected host[,port], got '%s'", s)
	}
	l := &listener{Host: parts[0]}
	if len(parts) == 2 {
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, err
		}
		l.Port = port
	}
	return l, nil
}

// Parses host, host,port or transport,host,port for the upstream server. The
// transport can only be given together with the port.
func parseUpstreamArg(values []string) (*upstream, error) {
	switch len(values) {
	case 1:
		return &upstream{Host: values[0]}, nil
	case 2:
		port, err := strconv.Atoi(values[1])
		if err != nil {
			return nil, err
		}
		return &upstream{Host: values[0], Port: port}, nil
	case 3:
		if _, err := dnsprox.ParseTransport(values[0]); err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(values[2])
		if err != nil {
			return nil, err
		}
		return &upstream{Transport: values[0], Host: values[1], Port: port}, nil
	default:
		return nil, fmt.Errorf("expected host[,port] or transport,host,port, got %d values", len(values))
	}
}

// Instantiates the forwarder queries are sent to. A mock upstream takes precedence
// over a real one.
func instantiateForwarder(c config) (dnsprox.Forwarder, error) {
	if m := c.MockDNSUpstream; m != nil {
		return dnsprox.NewMockUpstream("mock-upstream", dnsprox.MockUpstreamOptions{A: m.A, AAAA: m.AAAA})
	}
	u := c.UpstreamDNS
	transport, err := dnsprox.ParseTransport(u.Transport)
	if err != nil {
		return nil, err
	}
	return dnsprox.NewUpstream("upstream", u.Host, dnsprox.UpstreamOptions{
		Port:      u.Port,
		Transport: transport,
	})
}

// Instantiates all listeners in the config, plus the admin listener if configured.
func instantiateListeners(c config, dopt dnsprox.DispatcherOptions, f dnsprox.Forwarder) ([]dnsprox.Listener, error) {
	names := make([]string, 0, len(c.Transports))
	for name := range c.Transports {
		names = append(names, name)
	}
	sort.Strings(names)

	var listeners []dnsprox.Listener
	for _, name := range names {
		l := c.Transports[name]
		if l == nil {
			l = new(listener)
		}
		allowedNet, err := parseCIDRList(l.AllowedNet)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid allowed_net for listener '%s'", name)
		}
		opt := dnsprox.ListenOptions{
			AllowedNet:        allowedNet,
			DispatcherOptions: dopt,
		}
		addr := listenAddr(l)
		switch name {
		case "udp", "tcp":
			listeners = append(listeners, dnsprox.NewDNSListener(name, addr, name, opt, f))
		case "dtls":
			creds := c.DTLSCredentials
			if creds == nil {
				return nil, errors.New("dtls listener requires dtls_credentials")
			}
			dtlsConfig, err := dtlsServerConfig(creds)
			if err != nil {
				return nil, errors.Wrap(err, "invalid dtls_credentials")
			}
			listeners = append(listeners, dnsprox.NewDTLSListener(name, addr, dnsprox.DTLSListenerOptions{
				ListenOptions: opt,
				DTLSConfig:    dtlsConfig,
			}, f))
		case "coap":
			listeners = append(listeners, dnsprox.NewCoAPListener(name, addr, dnsprox.CoAPListenerOptions{
				ListenOptions: opt,
				Path:          l.Path,
			}, f))
		default:
			return nil, fmt.Errorf("unsupported transport '%s'", name)
		}
	}

	if a := c.Admin; a != nil {
		opt := dnsprox.AdminListenerOptions{Transport: a.Transport}
		if a.ServerCrt != "" || a.ServerKey != "" {
			tlsConfig, err := dnsprox.TLSServerConfig("", a.ServerCrt, a.ServerKey, false)
			if err != nil {
				return nil, errors.Wrap(err, "failed to load admin certificate")
			}
			opt.TLSConfig = tlsConfig
		}
		l, err := dnsprox.NewAdminListener("admin", a.Address, opt)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// Certificates take precedence over a PSK if both are configured.
func dtlsServerConfig(creds *dtlsCredentials) (*dtls.Config, error) {
	if creds.ServerCrt != "" || creds.ServerKey != "" {
		return dnsprox.DTLSServerConfig(creds.CA, creds.ServerCrt, creds.ServerKey, creds.MutualTLS)
	}
	return dnsprox.DTLSServerPSKConfig(creds.ClientIdentity, creds.PSK)
}

// Returns the listen address for a listener. The port is left out if not set so
// each listener can apply its own default.
func listenAddr(l *listener) string {
	host := l.Host
	if host == "" {
		host = "localhost"
	}
	if l.Port == 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(l.Port))
}

func parseCIDRList(networks []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, s := range networks {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
