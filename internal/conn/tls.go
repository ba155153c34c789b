package conn

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig bundles the key/cert/ca-cert triple spec.md §3 lists as a
// connection's optional TLS context. It's built once at bind time and
// shared read-only by every TLS connection the listener accepts.
type TLSConfig struct {
	config *tls.Config
}

// LoadTLSConfig builds a server TLS config from a certificate, private
// key, and optional CA bundle for client verification. Per spec.md §4.4,
// a cert without its key (or vice versa) is a configuration error, not a
// silent "TLS disabled" — only both being empty disables TLS.
func LoadTLSConfig(certPath, keyPath, caPath string) (*TLSConfig, error) {
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("conn: tls requires both certificate and private key")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("conn: load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("conn: read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("conn: ca certificate %s contains no usable certificates", caPath)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return &TLSConfig{config: cfg}, nil
}
