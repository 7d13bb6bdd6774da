package dnsprox

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/pion/dtls/v2"
)

// Cipher suites offered when authenticating with a pre-shared key.
var pskCipherSuites = []dtls.CipherSuiteID{
	dtls.TLS_PSK_WITH_AES_128_CCM_8,
	dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
}

// DTLSServerConfig builds a dtls.Config for DTLS servers authenticating with a
// certificate. With mutualTLS, clients have to present a certificate signed by the
// CA in caFile.
func DTLSServerConfig(caFile, crtFile, keyFile string, mutualTLS bool) (*dtls.Config, error) {
	if crtFile == "" || keyFile == "" {
		return nil, fmt.Errorf("both certificate and key are required")
	}
	crt, err := tls.LoadX509KeyPair(crtFile, keyFile)
	if err != nil {
		return nil, err
	}
	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{crt},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}
	if mutualTLS {
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}
	if caFile != "" {
		b, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("no CA certificates found in %s", caFile)
		}
		dtlsConfig.ClientCAs = certPool
	}
	return dtlsConfig, nil
}

// DTLSServerPSKConfig builds a dtls.Config for DTLS servers that only accept clients
// presenting the given identity and pre-shared key.
func DTLSServerPSKConfig(clientIdentity, psk string) (*dtls.Config, error) {
	if clientIdentity == "" || psk == "" {
		return nil, fmt.Errorf("both client identity and psk are required")
	}
	return &dtls.Config{
		PSK: func(identity []byte) ([]byte, error) {
			if !bytes.Equal(identity, []byte(clientIdentity)) {
				return nil, fmt.Errorf("unknown client identity '%s'", identity)
			}
			return []byte(psk), nil
		},
		CipherSuites:         pskCipherSuites,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}, nil
}

// DTLSClientPSKConfig builds a dtls.Config for DTLS clients authenticating with an
// identity and pre-shared key.
func DTLSClientPSKConfig(clientIdentity, psk string) *dtls.Config {
	return &dtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return []byte(psk), nil
		},
		PSKIdentityHint:      []byte(clientIdentity),
		CipherSuites:         pskCipherSuites,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}
}
