package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestPKI generates a throwaway CA and a server leaf signed by it,
// writing PEM files to dir, and returns their paths.
func writeTestPKI(t *testing.T, dir string) (certFile, keyFile, caFile string) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "enrolld"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create server cert: %v", err)
	}

	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")
	caFile = filepath.Join(dir, "ca.crt")

	if err := writePEM(certFile, "CERTIFICATE", serverDER); err != nil {
		t.Fatalf("write server cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(serverKey)
	if err != nil {
		t.Fatalf("marshal server key: %v", err)
	}
	if err := writePEM(keyFile, "EC PRIVATE KEY", keyDER); err != nil {
		t.Fatalf("write server key: %v", err)
	}
	if err := writePEM(caFile, "CERTIFICATE", caDER); err != nil {
		t.Fatalf("write CA cert: %v", err)
	}

	return certFile, keyFile, caFile
}

func writePEM(path, typ string, der []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: typ, Bytes: der})
}

func TestLoadBuildsServerConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, caFile := writeTestPKI(t, dir)

	ctx, err := Load(certFile, keyFile, caFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := ctx.ServerConfig()
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one server certificate, got %d", len(cfg.Certificates))
	}
	if cfg.ClientAuth != 4 { // tls.RequireAndVerifyClientCert
		t.Fatalf("expected RequireAndVerifyClientCert, got %v", cfg.ClientAuth)
	}
	if ctx.CA() == nil || ctx.CA().Subject.CommonName != "test-ca" {
		t.Fatalf("unexpected CA: %+v", ctx.CA())
	}
}

func TestExistsChecksAllThreeFiles(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, caFile := writeTestPKI(t, dir)

	if !Exists(certFile, keyFile, caFile) {
		t.Fatalf("expected Exists true when all files present")
	}
	if Exists(certFile, keyFile, filepath.Join(dir, "missing.crt")) {
		t.Fatalf("expected Exists false when CA file is missing")
	}
}

func TestValidatePeerAcceptsLeafSignedByCA(t *testing.T) {
	dir := t.TempDir()
	certFile, _, caFile := writeTestPKI(t, dir)

	leafPEM, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatalf("read leaf: %v", err)
	}
	leafCerts, err := parseCertsFromPEM(leafPEM)
	if err != nil || len(leafCerts) == 0 {
		t.Fatalf("parse leaf: %v", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		t.Fatalf("read ca: %v", err)
	}
	caCerts, err := parseCertsFromPEM(caPEM)
	if err != nil || len(caCerts) == 0 {
		t.Fatalf("parse ca: %v", err)
	}

	if err := ValidatePeer(leafCerts[0], caCerts[0]); err != nil {
		t.Fatalf("ValidatePeer: %v", err)
	}
}
