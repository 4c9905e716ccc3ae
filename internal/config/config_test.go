package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "enrolld.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMasterConfig(t *testing.T) {
	path := writeConfig(t, `
listen:
  addr: ":1515"
tls:
  cert_file: /etc/enrolld/server.crt
  key_file: /etc/enrolld/server.key
  ca_file: /etc/enrolld/ca.crt
cluster:
  mode: master
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cluster.Mode != "master" {
		t.Fatalf("expected master mode, got %q", cfg.Cluster.Mode)
	}
	if cfg.Listen.QueueCapacity != 64 {
		t.Fatalf("expected default queue capacity 64, got %d", cfg.Listen.QueueCapacity)
	}
}

func TestLoadWorkerRequiresMasterAddr(t *testing.T) {
	path := writeConfig(t, `
tls:
  cert_file: a
  key_file: b
  ca_file: c
cluster:
  mode: worker
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error for worker mode without master_addr")
	}
}

func TestLoadRejectsMissingTLSFiles(t *testing.T) {
	path := writeConfig(t, `
cluster:
  mode: master
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error for missing tls section")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, `
tls:
  cert_file: a
  key_file: b
  ca_file: c
cluster:
  mode: bogus
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error for unknown cluster mode")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
