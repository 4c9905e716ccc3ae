// Package clusterrpc carries an enrollment request from a worker node to
// the current master over the same mutual-TLS context the agent-facing
// listener uses. The wire format is deliberately simple: a four-byte
// big-endian length prefix followed by a JSON object, not a generated
// protobuf/grpc stack — see DESIGN.md for why.
package clusterrpc

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// maxFrame bounds a single frame so a misbehaving peer can't force an
// unbounded allocation.
const maxFrame = 1 << 20

// Request is what a worker forwards to the master. A populated RemoveID
// asks the master to roll back a previously forwarded enrollment instead of
// creating a new one; Name and the other enrollment fields are unused in
// that case.
type Request struct {
	Name       string `json:"name,omitempty"`
	IP         string `json:"ip,omitempty"`
	Group      string `json:"group,omitempty"`
	KeyHashHex string `json:"key_hash_hex,omitempty"`
	Password   string `json:"password,omitempty"`
	RemoveID   string `json:"remove_id,omitempty"`
}

// Response is what the master returns for a forwarded Request.
type Response struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	IP     string `json:"ip,omitempty"`
	RawKey string `json:"raw_key,omitempty"`
	Reused bool   `json:"reused,omitempty"`
	Error  string `json:"error,omitempty"`
}

// writeFrame writes a length-prefixed JSON-encoded value.
func writeFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("clusterrpc: marshal: %w", err)
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("clusterrpc: frame too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("clusterrpc: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("clusterrpc: write payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON-encoded value into v.
func readFrame(r io.Reader, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("clusterrpc: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrame {
		return fmt.Errorf("clusterrpc: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("clusterrpc: read payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("clusterrpc: unmarshal: %w", err)
	}
	return nil
}

// Client forwards enrollment requests to a fixed master address.
type Client struct {
	addr      string
	tlsConfig *tls.Config
	timeout   time.Duration
}

// NewClient returns a Client that dials addr with tlsConfig, applying
// timeout to both the dial and the round trip.
func NewClient(addr string, tlsConfig *tls.Config, timeout time.Duration) *Client {
	return &Client{addr: addr, tlsConfig: tlsConfig, timeout: timeout}
}

// Forward sends req to the master and returns its response.
func (c *Client) Forward(req Request) (*Response, error) {
	return c.roundTrip(req)
}

// Remove asks the master to roll back (remove) the agent identified by id.
// Used when a worker forwarded an enrollment, the master committed it, but
// the worker then failed to deliver the success response to the agent: the
// master-side entry must not survive a response the agent never received.
func (c *Client) Remove(id string) (*Response, error) {
	return c.roundTrip(Request{RemoveID: id})
}

func (c *Client) roundTrip(req Request) (*Response, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.addr, c.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("clusterrpc: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("clusterrpc: set deadline: %w", err)
	}
	if err := writeFrame(conn, req); err != nil {
		return nil, err
	}
	var resp Response
	if err := readFrame(conn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Handler processes a single forwarded request on the master side and
// returns the response to write back.
type Handler func(Request) Response

// Serve reads exactly one request from conn, invokes handle, and writes
// back exactly one response. Callers own conn's lifecycle (accept loop,
// TLS handshake, close).
func Serve(conn net.Conn, timeout time.Duration, handle Handler) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("clusterrpc: set deadline: %w", err)
	}
	var req Request
	if err := readFrame(conn, &req); err != nil {
		return err
	}
	resp := handle(req)
	return writeFrame(conn, resp)
}
