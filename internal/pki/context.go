// Package pki builds the immutable mutual-TLS context the enrollment
// listener uses for its whole lifetime: the server certificate/key pair and
// the CA pool used to verify client certificates. Nothing here issues or
// rotates certificates — that is explicitly out of scope.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Context is the immutable TLS material loaded once at startup.
type Context struct {
	config *tls.Config
	ca     *x509.Certificate
}

// Load reads the server certificate/key pair and the CA bundle used to
// authenticate connecting agents, and builds a tls.Config requiring and
// verifying a client certificate on every connection.
func Load(certFile, keyFile, caFile string) (*Context, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("pki: load server keypair: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("pki: parse server certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("pki: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("pki: no certificates parsed from %s", caFile)
	}

	ca, err := parseFirstCert(caPEM)
	if err != nil {
		return nil, fmt.Errorf("pki: parse CA certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}

	return &Context{config: cfg, ca: ca}, nil
}

// Exists reports whether all three files needed by Load are present,
// mirroring the preflight check operators run before starting the daemon.
func Exists(certFile, keyFile, caFile string) bool {
	for _, p := range []string{certFile, keyFile, caFile} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// ServerConfig returns the tls.Config to hand to a listener. Callers must
// not mutate the returned value; Context is meant to be immutable for the
// lifetime of the process.
func (c *Context) ServerConfig() *tls.Config {
	return c.config
}

// CA returns the parsed CA certificate, which dispatch passes to
// ValidatePeer to re-verify each connection's peer certificate.
func (c *Context) CA() *x509.Certificate {
	return c.ca
}

// ValidatePeer re-verifies a peer certificate against the loaded CA, used
// when a connection's automatic handshake verification needs to be
// double-checked against a specific usage (client auth).
func ValidatePeer(peer, ca *x509.Certificate) error {
	if peer == nil {
		return fmt.Errorf("pki: peer certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("pki: CA certificate is nil")
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := peer.Verify(opts); err != nil {
		return fmt.Errorf("pki: peer verification failed: %w", err)
	}
	return nil
}

func parseFirstCert(pemBytes []byte) (*x509.Certificate, error) {
	certs, err := parseCertsFromPEM(pemBytes)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return certs[0], nil
}
