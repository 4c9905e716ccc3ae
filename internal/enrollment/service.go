// Package enrollment wires the accept, dispatch, and writer stages around a
// shared keystore into a running daemon.
package enrollment

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetguard/enrolld/internal/agentsdb"
	"github.com/fleetguard/enrolld/internal/cluster"
	"github.com/fleetguard/enrolld/internal/config"
	"github.com/fleetguard/enrolld/internal/keystore"
	"github.com/fleetguard/enrolld/internal/logging"
	"github.com/fleetguard/enrolld/internal/metrics"
	"github.com/fleetguard/enrolld/internal/pki"
	"github.com/fleetguard/enrolld/internal/queue"
)

// Service owns every long-lived goroutine of the daemon: the TLS listener,
// the dispatch workers, the writer, and the loopback admin HTTP server.
type Service struct {
	cfg config.Config

	pki   *pki.Context
	store *keystore.Store
	role  cluster.Provider

	running atomic.Bool
	wg      sync.WaitGroup
}

// New constructs a Service from cfg. tlsCtx is loaded once by the caller
// and never reloaded for the life of the process.
func New(cfg config.Config, tlsCtx *pki.Context, store *keystore.Store, role cluster.Provider) *Service {
	return &Service{cfg: cfg, pki: tlsCtx, store: store, role: role}
}

// Run starts every stage and blocks until ctx is cancelled, then drains
// in-flight work and returns.
func (s *Service) Run(ctx context.Context, ids keystore.IDAllocator) error {
	log := logging.WithComponent("service")
	s.running.Store(true)

	ln, err := net.Listen("tcp", s.cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("enrollment: listen on %s: %w", s.cfg.Listen.Addr, err)
	}
	defer ln.Close()

	q := queue.New(s.cfg.Listen.QueueCapacity)

	// A static worker never answers locally and never accepts forwarded
	// requests, so it has no use for a cluster rpc listener. A static
	// master and every raft-capable node do, since either can end up
	// needing to serve a forwarded request.
	var rpcLn net.Listener
	if s.cfg.Cluster.Mode != "worker" {
		rpcLn, err = net.Listen("tcp", s.cfg.Cluster.RPCAddr)
		if err != nil {
			return fmt.Errorf("enrollment: listen on cluster rpc addr %s: %w", s.cfg.Cluster.RPCAddr, err)
		}
		defer rpcLn.Close()
	}

	var db *agentsdb.Client
	if s.cfg.AgentsDB.SocketPath != "" {
		db = agentsdb.NewClient(s.cfg.AgentsDB.SocketPath, s.cfg.AgentsDB.Timeout)
	}

	deps := dispatchDeps{
		tlsConfig:  s.pki.ServerConfig(),
		ca:         s.pki.CA(),
		store:      s.store,
		ids:        ids,
		policy:     keystore.Policy{AllowForce: s.cfg.Keystore.AllowForce},
		role:       s.role,
		rpcTimeout: s.cfg.Cluster.RPCTimeout,
	}

	runningFn := s.running.Load

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		acceptLoop(ln, q, runningFn, s.cfg.Listen.AcceptTimeout)
	}()

	if rpcLn != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			rpcServeLoop(rpcLn, s.pki.ServerConfig(), deps, runningFn, s.cfg.Cluster.RPCTimeout)
		}()
	}

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	workers := s.cfg.Listen.DispatchWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			dispatchLoop(dispatchCtx, q, deps)
		}()
	}

	// A static worker never commits to its local keystore, so it has
	// nothing to write and runs no writer goroutine at all. A static
	// master and every raft-capable node do, with the latter's writer
	// idling (never flushing, never syncing) whenever it is not currently
	// the elected leader; see isMaster below.
	if s.cfg.Cluster.Mode != "worker" {
		isMaster := func() bool { return s.role.Role() == cluster.Master }
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			writerLoop(s.store, s.cfg.Keystore.KeyFile, s.cfg.Keystore.TimestampFile, db, runningFn, s.cfg.Cluster.SingleNode, isMaster)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.observeRole(runningFn)
	}()

	var adminSrv *http.Server
	if s.cfg.Admin.Addr != "" {
		adminSrv = s.startAdmin()
	}

	log.Info().Str("addr", s.cfg.Listen.Addr).Str("role", s.role.Role().String()).Msg("enrollment service started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	s.running.Store(false)
	q.Close()
	cancelDispatch()
	s.store.Broadcast()
	if adminSrv != nil {
		_ = adminSrv.Close()
	}
	s.wg.Wait()

	// Final drain: flush and sync anything left pending at shutdown, e.g. a
	// commit that raced the writer's last WaitForWork wakeup.
	if journal, snapshot, pending := s.store.Drain(); pending {
		if err := flush(s.cfg.Keystore.KeyFile, s.cfg.Keystore.TimestampFile, snapshot); err != nil {
			log.Error().Err(err).Msg("final flush failed")
		} else {
			metrics.KeystoreSize.Set(float64(len(snapshot)))
		}
		syncAgentsDB(db, journal, log, s.cfg.Cluster.SingleNode)
	}

	return nil
}

// observeRole keeps the cluster-role gauge current and counts leadership
// transitions; it also broadcasts on every transition so a writer idling
// under isMaster (see Run) notices a promotion or demotion within about a
// second instead of only on the next keystore commit.
func (s *Service) observeRole(running func() bool) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := s.role.Role()
	first := true
	for running() {
		current := s.role.Role()
		if current == cluster.Master {
			metrics.ClusterRole.Set(1)
		} else {
			metrics.ClusterRole.Set(0)
		}
		if !first && current != last {
			metrics.ClusterLeadershipTransitions.Inc()
			s.store.Broadcast()
		}
		last = current
		first = false
		<-ticker.C
	}
}

func (s *Service) startAdmin() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok keystore_size=%d\n", s.store.Len())
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: s.cfg.Admin.Addr, Handler: mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.WithComponent("admin").Error().Err(err).Msg("admin listener stopped")
		}
	}()
	return srv
}

// LoadKeystore reads the newline-delimited "id name ip key" key file at
// startup into store and advances ids past the highest numeric id seen.
func LoadKeystore(keyFile string, store *keystore.Store, ids interface{ Observe(uint64) error }) error {
	f, err := os.Open(keyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("enrollment: open key file: %w", err)
	}
	defer f.Close()

	var agents []*keystore.Agent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 4 {
			continue
		}
		agents = append(agents, &keystore.Agent{
			ID:   fields[0],
			Name: fields[1],
			IP:   fields[2],
			Key:  []byte(fields[3]),
		})
		if n, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			if err := ids.Observe(n); err != nil {
				return fmt.Errorf("enrollment: observe id %s: %w", fields[0], err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("enrollment: scan key file: %w", err)
	}

	store.Load(agents)
	return nil
}
