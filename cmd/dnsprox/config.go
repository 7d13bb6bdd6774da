package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type config struct {
	Verbosity       string               `toml:"verbosity" yaml:"verbosity"`
	UpstreamDNS     *upstream            `toml:"upstream_dns" yaml:"upstream_dns"`
	MockDNSUpstream *mockUpstream        `toml:"mock_dns_upstream" yaml:"mock_dns_upstream"`
	Transports      map[string]*listener `toml:"transports" yaml:"transports"`
	DTLSCredentials *dtlsCredentials     `toml:"dtls_credentials" yaml:"dtls_credentials"`
	Timeout         float64              `toml:"timeout" yaml:"timeout"` // Seconds
	Workers         int                  `toml:"workers" yaml:"workers"`
	Admin           *admin               `toml:"admin" yaml:"admin"`
	Syslog          *syslogConfig        `toml:"syslog" yaml:"syslog"`
}

type upstream struct {
	Host      string `toml:"host" yaml:"host"`
	Port      int    `toml:"port" yaml:"port"`
	Transport string `toml:"transport" yaml:"transport"`
}

type mockUpstream struct {
	A    string `toml:"A" yaml:"A"`
	AAAA string `toml:"AAAA" yaml:"AAAA"`
}

type listener struct {
	Host       string   `toml:"host" yaml:"host"`
	Port       int      `toml:"port" yaml:"port"`
	AllowedNet []string `toml:"allowed_net" yaml:"allowed_net"`

	// Resource path, only used by the CoAP listener
	Path string `toml:"path" yaml:"path"`
}

// Either a client identity and PSK, or a server certificate.
type dtlsCredentials struct {
	ClientIdentity string `toml:"client_identity" yaml:"client_identity"`
	PSK            string `toml:"psk" yaml:"psk"`
	ServerCrt      string `toml:"server_crt" yaml:"server_crt"`
	ServerKey      string `toml:"server_key" yaml:"server_key"`
	CA             string `toml:"ca" yaml:"ca"`
	MutualTLS      bool   `toml:"mutual_tls" yaml:"mutual_tls"`
}

type admin struct {
	Address   string `toml:"address" yaml:"address"`
	Transport string `toml:"transport" yaml:"transport"`
	ServerCrt string `toml:"server_crt" yaml:"server_crt"`
	ServerKey string `toml:"server_key" yaml:"server_key"`
}

type syslogConfig struct {
	Network string `toml:"network" yaml:"network"`
	Address string `toml:"address" yaml:"address"`
	Tag     string `toml:"tag" yaml:"tag"`
}

// loadConfig reads a config file and returns the decoded structure. Files ending
// in .yaml or .yml are read as YAML, everything else as TOML.
func loadConfig(name string) (config, error) {
	var c config
	f, err := os.Open(name)
	if err != nil {
		return c, err
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(&c)
	default:
		_, err = toml.NewDecoder(f).Decode(&c)
	}
	return c, err
}

// merge overwrites everything in c that is set in o.
func (c *config) merge(o config) {
	if o.Verbosity != "" {
		c.Verbosity = o.Verbosity
	}
	if o.UpstreamDNS != nil {
		c.UpstreamDNS = o.UpstreamDNS
	}
	if o.MockDNSUpstream != nil {
		c.MockDNSUpstream = o.MockDNSUpstream
	}
	for name, l := range o.Transports {
		if c.Transports == nil {
			c.Transports = make(map[string]*listener)
		}
		c.Transports[name] = l
	}
	if o.DTLSCredentials != nil {
		c.DTLSCredentials = o.DTLSCredentials
	}
	if o.Timeout != 0 {
		c.Timeout = o.Timeout
	}
	if o.Workers != 0 {
		c.Workers = o.Workers
	}
	if o.Admin != nil {
		c.Admin = o.Admin
	}
	if o.Syslog != nil {
		c.Syslog = o.Syslog
	}
}

// validate checks the config is complete enough to start the proxy.
func (c config) validate() error {
	if c.UpstreamDNS == nil && c.MockDNSUpstream == nil {
		return errors.New("no upstream DNS server provided")
	}
	if len(c.Transports) == 0 {
		return errors.New("no proxy config provided")
	}
	return nil
}
