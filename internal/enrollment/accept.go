package enrollment

import (
	"net"
	"time"

	"github.com/fleetguard/enrolld/internal/logging"
	"github.com/fleetguard/enrolld/internal/metrics"
	"github.com/fleetguard/enrolld/internal/queue"
)

// acceptLoop accepts connections from ln until running reports false,
// using a short accept deadline so the loop can notice shutdown promptly
// instead of blocking in Accept indefinitely.
func acceptLoop(ln net.Listener, q *queue.Queue, running func() bool, acceptTimeout time.Duration) {
	log := logging.WithComponent("accept")
	for running() {
		if tc, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
			_ = tc.SetDeadline(time.Now().Add(acceptTimeout))
		}

		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !running() {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		metrics.ConnectionsAccepted.Inc()
		metrics.QueueDepth.Set(float64(q.Len()))

		if err := q.Push(conn); err != nil {
			metrics.QueueDropped.Inc()
			log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("dropping connection, dispatch queue full")
			conn.Close()
			continue
		}
	}
}
