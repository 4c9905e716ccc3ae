// Package protocol implements the OSSEC-style enrollment wire format: the
// inbound request record and the success/failure response lines. See
// SPEC_FULL.md §6.
package protocol

import (
	"fmt"
	"strings"
	"unicode"
)

// EnrollRequest is a parsed `OSSEC A:'...' [G:'...'] [K:'...'] [P:'...']`
// record.
type EnrollRequest struct {
	Name     string
	Group    string // optional
	KeyHash  string // optional, hex sha256 of the agent's current key
	Password string // optional, present if caller sent P:
}

// ParseError is returned for a malformed request record; Reason is the
// human-readable text sent back to the agent.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

// ParseEnrollRequest parses a single request record. The grammar is
// whitespace-separated tokens of the form `TAG:'value'`; `A:` is
// mandatory, `G:`, `K:`, and `P:` are optional and may appear in any order.
func ParseEnrollRequest(line string) (*EnrollRequest, error) {
	line = strings.TrimSpace(line)
	const prefix = "OSSEC"
	if !strings.HasPrefix(line, prefix) {
		return nil, &ParseError{Reason: "invalid request: missing OSSEC preamble"}
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, prefix))

	tokens, err := splitQuotedTokens(rest)
	if err != nil {
		return nil, err
	}

	req := &EnrollRequest{}
	var haveName bool
	for _, tok := range tokens {
		tag, value, ok := strings.Cut(tok, ":")
		if !ok || len(value) < 2 || value[0] != '\'' || value[len(value)-1] != '\'' {
			return nil, &ParseError{Reason: fmt.Sprintf("invalid request: malformed token %q", tok)}
		}
		value = value[1 : len(value)-1]
		switch tag {
		case "A":
			if value == "" {
				return nil, &ParseError{Reason: "invalid request: empty agent name"}
			}
			req.Name = value
			haveName = true
		case "G":
			req.Group = value
		case "K":
			req.KeyHash = value
		case "P":
			req.Password = value
		default:
			return nil, &ParseError{Reason: fmt.Sprintf("invalid request: unknown field %q", tag)}
		}
	}

	if !haveName {
		return nil, &ParseError{Reason: "invalid request: missing A: field"}
	}
	return req, nil
}

// splitQuotedTokens splits on whitespace but treats a `'...'` span as a
// single token even if it contains spaces (agent names and groups may).
func splitQuotedTokens(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case unicode.IsSpace(r) && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, &ParseError{Reason: "invalid request: unterminated quote"}
	}
	flush()
	return tokens, nil
}

// FormatEnrollRequest renders a request back to wire form; used only by
// tests to check the parse/format round-trip law in SPEC_FULL.md §8.
func FormatEnrollRequest(req *EnrollRequest) string {
	var b strings.Builder
	b.WriteString("OSSEC A:'")
	b.WriteString(req.Name)
	b.WriteString("'")
	if req.Group != "" {
		fmt.Fprintf(&b, " G:'%s'", req.Group)
	}
	if req.KeyHash != "" {
		fmt.Fprintf(&b, " K:'%s'", req.KeyHash)
	}
	if req.Password != "" {
		fmt.Fprintf(&b, " P:'%s'", req.Password)
	}
	return b.String()
}
