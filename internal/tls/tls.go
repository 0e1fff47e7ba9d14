// Package tlsutil builds server TLS configurations from on-disk PEM material.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewTLSConfigFromFiles builds a tls.Config for the kernel HTTP server.
//
// serverCertFile/serverKeyFile hold the server certificate and key (PEM).
// clientCAFile optionally names a CA bundle used to verify client
// certificates; with requireClientCert the handshake then demands one,
// otherwise presented certs are verified but not required.
func NewTLSConfigFromFiles(serverCertFile, serverKeyFile, clientCAFile string, requireClientCert bool) (*tls.Config, error) {
	if serverCertFile == "" || serverKeyFile == "" {
		return nil, fmt.Errorf("server cert and key files must be provided")
	}

	cert, err := tls.LoadX509KeyPair(serverCertFile, serverKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates:  []tls.Certificate{cert},
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}

	if clientCAFile != "" {
		caPEM, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse client CA bundle")
		}
		tlsCfg.ClientCAs = pool
		if requireClientCert {
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	} else if requireClientCert {
		return nil, fmt.Errorf("requireClientCert=true but client CA file not provided")
	}

	return tlsCfg, nil
}
