package pki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// parseCertsFromPEM decodes every CERTIFICATE block in a PEM bundle,
// tolerating stray non-certificate blocks (e.g. comments some CA bundles
// carry).
func parseCertsFromPEM(data []byte) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate block: %w", err)
		}
		out = append(out, cert)
	}
	return out, nil
}
