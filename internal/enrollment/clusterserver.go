package enrollment

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/fleetguard/enrolld/internal/clusterrpc"
	"github.com/fleetguard/enrolld/internal/keystore"
	"github.com/fleetguard/enrolld/internal/logging"
	"github.com/fleetguard/enrolld/internal/metrics"
	"github.com/fleetguard/enrolld/internal/protocol"
)

// rpcServeLoop accepts connections from worker nodes forwarding enrollment
// requests and serves each with clusterrpc.Serve. It runs on any node that
// can act as master, static or raft-elected; handleForwardedRequest itself
// does not check current leadership, since only the elected master's
// keystore is ever written to disk by its own writer loop.
func rpcServeLoop(ln net.Listener, tlsConfig *tls.Config, deps dispatchDeps, running func() bool, timeout time.Duration) {
	log := logging.WithComponent("clusterrpc-server")
	for running() {
		if tc, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
			_ = tc.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !running() {
				return
			}
			log.Warn().Err(err).Msg("cluster rpc accept failed")
			continue
		}
		go func() {
			defer conn.Close()
			tlsConn := tls.Server(conn, tlsConfig)
			if err := clusterrpc.Serve(tlsConn, timeout, func(req clusterrpc.Request) clusterrpc.Response {
				return handleForwardedRequest(deps, req)
			}); err != nil {
				log.Warn().Err(err).Msg("forwarded enrollment request failed")
			}
		}()
	}
}

func handleForwardedRequest(deps dispatchDeps, req clusterrpc.Request) clusterrpc.Response {
	if req.RemoveID != "" {
		if !deps.store.Remove(req.RemoveID) {
			return clusterrpc.Response{OK: false, Error: protocol.ReasonInternal}
		}
		return clusterrpc.Response{OK: true}
	}

	kreq := keystore.Request{Name: req.Name, IP: req.IP, Group: req.Group, KeyHashHex: req.KeyHashHex}
	outcome, err := deps.store.Enroll(kreq, deps.policy, deps.ids, time.Now())
	if err != nil {
		reason := protocol.ReasonInternal
		switch err {
		case keystore.ErrNameCollision:
			reason = protocol.ReasonNameCollision
		case keystore.ErrIPNotAllowed:
			reason = protocol.ReasonIPNotAllowed
		}
		metrics.DispatchOutcomes.WithLabelValues("forward_received_rejected").Inc()
		return clusterrpc.Response{OK: false, Error: reason}
	}

	deps.store.Commit(outcome.Handle)
	if outcome.Reused {
		metrics.DispatchOutcomes.WithLabelValues("forward_received_reused").Inc()
	} else {
		metrics.DispatchOutcomes.WithLabelValues("forward_received_enrolled").Inc()
	}
	return clusterrpc.Response{
		OK:     true,
		ID:     outcome.Agent.ID,
		Name:   outcome.Agent.Name,
		IP:     outcome.Agent.IP,
		RawKey: string(outcome.Agent.Key),
		Reused: outcome.Reused,
	}
}
