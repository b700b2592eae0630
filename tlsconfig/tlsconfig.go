// Package tlsconfig builds the tls.Config values used to wrap the control
// listener on the server and the control/data dials on the client.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// NewServerConfig loads the certificate pair that wraps the server's control
// port. Both the websocket control link and the raw data channel ride the
// same listener, so one certificate covers both.
func NewServerConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "load TLS key pair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewClientConfig builds the config a client uses for wss control links and
// the TLS-wrapped data channel. rootCAPath optionally pins a private CA;
// serverName overrides SNI when the dial address is an IP.
func NewClientConfig(rootCAPath, serverName string, insecureSkipVerify bool) (*tls.Config, error) {
	config := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify, // #nosec G402 - development knob, off by default
		MinVersion:         tls.VersionTLS12,
	}
	if rootCAPath != "" {
		pool, err := LoadCertPool(rootCAPath)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}
	return config, nil
}

// LoadCertPool reads a PEM bundle into a certificate pool.
func LoadCertPool(certPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read certificate %s", certPath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.Errorf("no certificates parsed from %s", certPath)
	}
	return pool, nil
}
