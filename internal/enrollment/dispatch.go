package enrollment

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetguard/enrolld/internal/cluster"
	"github.com/fleetguard/enrolld/internal/clusterrpc"
	"github.com/fleetguard/enrolld/internal/keystore"
	"github.com/fleetguard/enrolld/internal/logging"
	"github.com/fleetguard/enrolld/internal/metrics"
	"github.com/fleetguard/enrolld/internal/pki"
	"github.com/fleetguard/enrolld/internal/protocol"
	"github.com/fleetguard/enrolld/internal/queue"
)

// handshakeRetries bounds how many times dispatch retries a TLS handshake
// that failed with a transient (timeout) error before giving up on a
// connection.
const handshakeRetries = 3

const handshakeRetryBackoff = 100 * time.Millisecond

// dispatchLoop pops connections from q until the queue is closed and drained
// or ctx is cancelled, handling each one to completion before popping the
// next.
// Running dispatchLoop from several goroutines fans out the work; each
// worker only ever holds one connection at a time.
func dispatchLoop(ctx context.Context, q *queue.Queue, deps dispatchDeps) {
	for {
		conn, err := q.Pop(ctx)
		if err != nil {
			if err == queue.ErrClosed || ctx.Err() != nil {
				return
			}
			continue
		}
		connID := uuid.NewString()
		handleConnection(conn, deps, connID)
	}
}

// dispatchDeps bundles the collaborators dispatch needs, so dispatchLoop's
// signature does not grow with every new backing service. role is consulted
// on every connection rather than cached, since a raft-backed elector's
// answer can change between connections.
type dispatchDeps struct {
	tlsConfig  *tls.Config
	ca         *x509.Certificate
	store      *keystore.Store
	ids        keystore.IDAllocator
	policy     keystore.Policy
	role       cluster.Provider
	rpcTimeout time.Duration
}

func handleConnection(conn net.Conn, deps dispatchDeps, connID string) {
	log := logging.WithConnection(connID)
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.DispatchDuration)
		conn.Close()
	}()

	tlsConn, err := handshakeWithRetry(conn, deps.tlsConfig)
	if err != nil {
		metrics.DispatchOutcomes.WithLabelValues("handshake_failed").Inc()
		log.Warn().Err(err).Msg("tls handshake failed")
		return
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	if deps.ca != nil {
		peerCerts := tlsConn.ConnectionState().PeerCertificates
		if len(peerCerts) == 0 {
			metrics.DispatchOutcomes.WithLabelValues("no_peer_cert").Inc()
			log.Warn().Str("remote", host).Msg("no peer certificate presented")
			return
		}
		if err := pki.ValidatePeer(peerCerts[0], deps.ca); err != nil {
			metrics.DispatchOutcomes.WithLabelValues("peer_verification_failed").Inc()
			log.Warn().Err(err).Str("remote", host).Msg("peer certificate verification failed")
			return
		}
	}

	if err := tlsConn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		metrics.DispatchOutcomes.WithLabelValues("internal_error").Inc()
		return
	}

	line, err := bufio.NewReader(tlsConn).ReadString('\n')
	if err != nil {
		metrics.DispatchOutcomes.WithLabelValues("read_failed").Inc()
		log.Warn().Err(err).Msg("failed to read request")
		return
	}

	req, err := protocol.ParseEnrollRequest(line)
	if err != nil {
		metrics.DispatchOutcomes.WithLabelValues("invalid_request").Inc()
		writeLine(tlsConn, protocol.FormatError(protocol.ReasonInvalid))
		return
	}

	if deps.role.Role() == cluster.Worker {
		dispatchForward(tlsConn, deps, req, host, log)
		return
	}
	dispatchLocal(tlsConn, deps, req, host, log)
}

func dispatchLocal(conn net.Conn, deps dispatchDeps, req *protocol.EnrollRequest, host string, log zerolog.Logger) {
	kreq := keystore.Request{Name: req.Name, IP: host, Group: req.Group, KeyHashHex: req.KeyHash}
	outcome, err := deps.store.Enroll(kreq, deps.policy, deps.ids, time.Now())
	if err != nil {
		outcomeReason := "rejected"
		wireReason := protocol.ReasonInternal
		switch err {
		case keystore.ErrNameCollision:
			outcomeReason = "name_collision"
			wireReason = protocol.ReasonNameCollision
		case keystore.ErrIPNotAllowed:
			outcomeReason = "ip_not_allowed"
			wireReason = protocol.ReasonIPNotAllowed
		}
		metrics.DispatchOutcomes.WithLabelValues(outcomeReason).Inc()
		log.Debug().Str("agent", req.Name).Str("reason", outcomeReason).Msg("enrollment rejected")
		writeLine(conn, protocol.FormatError(wireReason))
		return
	}

	line := protocol.FormatSuccess(outcome.Agent.ID, outcome.Agent.Name, outcome.Agent.IP, outcome.Agent.Key)
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		metrics.DispatchOutcomes.WithLabelValues("write_failed").Inc()
		deps.store.Rollback(outcome.Handle)
		return
	}

	deps.store.Commit(outcome.Handle)
	if outcome.Reused {
		metrics.DispatchOutcomes.WithLabelValues("reused").Inc()
	} else {
		metrics.DispatchOutcomes.WithLabelValues("enrolled").Inc()
	}
}

// dispatchForward relays a request to whichever node deps.role currently
// believes is master, re-resolving the address on every call since a
// raft-elected master can change between connections.
func dispatchForward(conn net.Conn, deps dispatchDeps, req *protocol.EnrollRequest, host string, log zerolog.Logger) {
	masterAddr := deps.role.MasterAddr()
	if masterAddr == "" {
		metrics.DispatchOutcomes.WithLabelValues("forward_failed").Inc()
		log.Warn().Msg("no known cluster master to forward to")
		writeLine(conn, protocol.FormatError(protocol.ReasonInternal))
		return
	}
	client := clusterrpc.NewClient(masterAddr, deps.tlsConfig, deps.rpcTimeout)

	resp, err := client.Forward(clusterrpc.Request{
		Name:       req.Name,
		IP:         host,
		Group:      req.Group,
		KeyHashHex: req.KeyHash,
		Password:   req.Password,
	})
	if err != nil {
		metrics.ClusterForwardFailures.Inc()
		metrics.DispatchOutcomes.WithLabelValues("forward_failed").Inc()
		writeLine(conn, protocol.FormatError(protocol.ReasonInternal))
		return
	}
	if !resp.OK {
		metrics.DispatchOutcomes.WithLabelValues("forward_rejected").Inc()
		writeLine(conn, protocol.FormatError(resp.Error))
		return
	}

	line := protocol.FormatSuccess(resp.ID, resp.Name, resp.IP, []byte(resp.RawKey))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		metrics.DispatchOutcomes.WithLabelValues("write_failed").Inc()
		// The agent never received its key, so the entry the master just
		// committed must not survive: roll it back over the same RPC link.
		if _, rerr := client.Remove(resp.ID); rerr != nil {
			metrics.ClusterForwardFailures.Inc()
			log.Error().Err(rerr).Str("agent_id", resp.ID).Msg("failed to roll back forwarded enrollment after write failure")
		}
		return
	}
	metrics.DispatchOutcomes.WithLabelValues("forwarded").Inc()
}

func writeLine(conn net.Conn, line string) {
	_, _ = conn.Write([]byte(line + "\n"))
}

// handshakeWithRetry retries a TLS handshake a bounded number of times when
// it fails with a transient network timeout; a rejected or malformed
// certificate is not transient and is returned immediately.
func handshakeWithRetry(conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, cfg)
	var err error
	for attempt := 0; attempt < handshakeRetries; attempt++ {
		if err = tlsConn.SetDeadline(time.Now().Add(time.Second)); err != nil {
			return nil, err
		}
		err = tlsConn.Handshake()
		if err == nil {
			return tlsConn, nil
		}
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			return nil, err
		}
		time.Sleep(handshakeRetryBackoff)
	}
	return nil, err
}
