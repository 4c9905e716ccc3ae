package cluster

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var _ Provider = (*Elector)(nil)

// noopFSM satisfies raft.FSM without replicating any application data;
// master/worker role here rides entirely on raft's own leadership state; the
// keystore itself is never replicated through the Raft log.
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{}              { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error)       { return noopSnapshot{}, nil }
func (noopFSM) Restore(rc io.ReadCloser) error            { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// ElectorConfig configures a raft-backed dynamic elector.
type ElectorConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// Peers lists every voter's (NodeID, BindAddr) pair, including this
	// node, for the initial bootstrap configuration. Only consulted when
	// no existing raft state is found on disk.
	Peers map[string]string
}

// Elector runs a raft group whose sole purpose is to elect a leader; the
// elected leader acts as cluster master, everyone else acts as worker.
type Elector struct {
	raft *raft.Raft
}

// NewElector starts (or rejoins) the raft group described by cfg.
func NewElector(cfg ElectorConfig) (*Elector, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cluster: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, noopFSM{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: create raft: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return nil, fmt.Errorf("cluster: check existing state: %w", err)
	}
	if !hasState && len(cfg.Peers) > 0 {
		servers := make([]raft.Server, 0, len(cfg.Peers))
		for id, peerAddr := range cfg.Peers {
			servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(peerAddr)})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("cluster: bootstrap: %w", err)
		}
	}

	return &Elector{raft: r}, nil
}

// Role reports Master when this node is the current raft leader.
func (e *Elector) Role() Role {
	if e.raft.State() == raft.Leader {
		return Master
	}
	return Worker
}

// MasterAddr reports the address raft believes is the current leader, or
// empty if none is known yet.
func (e *Elector) MasterAddr() string {
	addr, _ := e.raft.LeaderWithID()
	return string(addr)
}

// Shutdown releases the raft instance.
func (e *Elector) Shutdown() error {
	return e.raft.Shutdown().Error()
}
