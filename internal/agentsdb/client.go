// Package agentsdb talks to the local agents database over a Unix domain
// socket using a small ASCII line protocol: one command line in, one
// `ok ...`/`err ...` line out. This is the same database the writer stage
// keeps in sync after every keystore commit.
package agentsdb

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Client dials the agents database socket once per request; the database
// itself serializes concurrent writers, so no connection pooling is
// attempted here.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a Client that dials socketPath, applying timeout to
// both the dial and the round trip.
func NewClient(socketPath string, timeout time.Duration) *Client {
	return &Client{socketPath: socketPath, timeout: timeout}
}

// CommandError wraps a non-"ok" response line from the database.
type CommandError struct {
	Line string
}

func (e *CommandError) Error() string { return fmt.Sprintf("agentsdb: %s", e.Line) }

func (c *Client) roundTrip(ctx context.Context, line string) (string, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return "", fmt.Errorf("agentsdb: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", fmt.Errorf("agentsdb: set deadline: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return "", fmt.Errorf("agentsdb: write command: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("agentsdb: read reply: %w", err)
	}
	reply = strings.TrimRight(reply, "\r\n")

	if strings.HasPrefix(reply, "ok") {
		return strings.TrimSpace(strings.TrimPrefix(reply, "ok")), nil
	}
	return "", &CommandError{Line: reply}
}

// Insert registers a newly enrolled agent.
func (c *Client) Insert(ctx context.Context, id, name, ip, group string) error {
	cmd := fmt.Sprintf("insert %s %s %s %s", id, name, ip, group)
	_, err := c.roundTrip(ctx, cmd)
	return err
}

// AssignGroup changes an existing agent's group. mode is the assignment
// mode the agents database expects ("OVERRIDE" for the Writer's use);
// syncLabel is "synced" on a single-node cluster or "syncreq" otherwise, so
// the database knows whether this node's view of the group is already
// authoritative or needs to propagate.
func (c *Client) AssignGroup(ctx context.Context, id, group, mode, syncLabel string) error {
	cmd := fmt.Sprintf("set_group %s %s %s %s", id, group, mode, syncLabel)
	_, err := c.roundTrip(ctx, cmd)
	return err
}

// Remove deletes an agent by id, the common case when a name collision is
// force-replaced or an administrator revokes an entry.
func (c *Client) Remove(ctx context.Context, id string) error {
	cmd := fmt.Sprintf("remove %s", id)
	_, err := c.roundTrip(ctx, cmd)
	return err
}

// RemoveByName deletes whatever agent currently owns name, used to clean up
// stale entries the keystore no longer has an id for.
func (c *Client) RemoveByName(ctx context.Context, name string) error {
	cmd := fmt.Sprintf("remove_by_name %s", name)
	_, err := c.roundTrip(ctx, cmd)
	return err
}
