package protocol

import "testing"

func TestParseEnrollRequestMinimal(t *testing.T) {
	req, err := ParseEnrollRequest("OSSEC A:'web01'")
	if err != nil {
		t.Fatalf("ParseEnrollRequest: %v", err)
	}
	if req.Name != "web01" || req.Group != "" || req.KeyHash != "" || req.Password != "" {
		t.Fatalf("unexpected parse result: %+v", req)
	}
}

func TestParseEnrollRequestAllFields(t *testing.T) {
	req, err := ParseEnrollRequest("OSSEC A:'web01' G:'default' K:'deadbeef' P:'hunter2'")
	if err != nil {
		t.Fatalf("ParseEnrollRequest: %v", err)
	}
	if req.Name != "web01" || req.Group != "default" || req.KeyHash != "deadbeef" || req.Password != "hunter2" {
		t.Fatalf("unexpected parse result: %+v", req)
	}
}

func TestParseEnrollRequestOutOfOrderFields(t *testing.T) {
	req, err := ParseEnrollRequest("OSSEC K:'deadbeef' A:'web01'")
	if err != nil {
		t.Fatalf("ParseEnrollRequest: %v", err)
	}
	if req.Name != "web01" || req.KeyHash != "deadbeef" {
		t.Fatalf("unexpected parse result: %+v", req)
	}
}

func TestParseEnrollRequestNameWithSpaces(t *testing.T) {
	req, err := ParseEnrollRequest("OSSEC A:'web 01' G:'east coast'")
	if err != nil {
		t.Fatalf("ParseEnrollRequest: %v", err)
	}
	if req.Name != "web 01" || req.Group != "east coast" {
		t.Fatalf("unexpected parse result: %+v", req)
	}
}

func TestParseEnrollRequestMissingName(t *testing.T) {
	_, err := ParseEnrollRequest("OSSEC G:'default'")
	if err == nil {
		t.Fatalf("expected error for missing A: field")
	}
}

func TestParseEnrollRequestMissingPreamble(t *testing.T) {
	_, err := ParseEnrollRequest("A:'web01'")
	if err == nil {
		t.Fatalf("expected error for missing OSSEC preamble")
	}
}

func TestParseEnrollRequestUnknownField(t *testing.T) {
	_, err := ParseEnrollRequest("OSSEC A:'web01' Z:'bogus'")
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParseEnrollRequestUnterminatedQuote(t *testing.T) {
	_, err := ParseEnrollRequest("OSSEC A:'web01")
	if err == nil {
		t.Fatalf("expected error for unterminated quote")
	}
}

func TestParseEnrollRequestEmptyName(t *testing.T) {
	_, err := ParseEnrollRequest("OSSEC A:''")
	if err == nil {
		t.Fatalf("expected error for empty agent name")
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	req := &EnrollRequest{Name: "web01", Group: "default", KeyHash: "deadbeef", Password: "hunter2"}
	line := FormatEnrollRequest(req)
	got, err := ParseEnrollRequest(line)
	if err != nil {
		t.Fatalf("ParseEnrollRequest(%q): %v", line, err)
	}
	if *got != *req {
		t.Fatalf("round trip mismatch: %+v != %+v", got, req)
	}
}

func TestFormatSuccess(t *testing.T) {
	got := FormatSuccess("001", "web01", "203.0.113.7", []byte("deadbeefcafebabe"))
	want := "OSSEC K:'001 web01 203.0.113.7 deadbeefcafebabe'"
	if got != want {
		t.Fatalf("FormatSuccess = %q, want %q", got, want)
	}
}
