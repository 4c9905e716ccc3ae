package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestInitJSONOutputWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("dispatch").Info().Msg("accepted connection")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (line: %s)", err, buf.String())
	}
	if entry["component"] != "dispatch" {
		t.Fatalf("expected component=dispatch, got %+v", entry)
	}
	if entry["message"] != "accepted connection" {
		t.Fatalf("expected message field, got %+v", entry)
	}
}

func TestInitRespectsDebugLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Debug("should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("expected debug message to be filtered, got %q", buf.String())
	}

	Warn("should appear")
	if buf.Len() == 0 {
		t.Fatalf("expected warn message to be logged")
	}
}

func TestWithConnectionAddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithConnection("abc-123").Info().Msg("handshake complete")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["conn_id"] != "abc-123" {
		t.Fatalf("expected conn_id=abc-123, got %+v", entry)
	}
}
