package idcounter

import (
	"path/filepath"
	"testing"
)

func TestNextIsSequentialAndZeroPadded(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "counters.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	first, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first != "001" || second != "002" {
		t.Fatalf("expected 001, 002, got %q, %q", first, second)
	}
}

func TestCounterSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.db")

	c1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := c1.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	c1.Close()

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	id, err := c2.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if id != "006" {
		t.Fatalf("expected 006 after restart, got %q", id)
	}
}

func TestObserveAdvancesPastKeystoreContents(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "counters.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.Observe(41); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	id, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if id != "042" {
		t.Fatalf("expected 042, got %q", id)
	}
}
