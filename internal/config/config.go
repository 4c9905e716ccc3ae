// Package config loads the daemon's static YAML configuration file. Every
// field here is fixed at startup; there is no hot-reload surface because
// the TLS context and keystore policy it feeds are themselves immutable
// for the life of the process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	TLS         TLSConfig         `yaml:"tls"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	AgentsDB    AgentsDBConfig    `yaml:"agents_db"`
	Keystore    KeystoreConfig    `yaml:"keystore"`
	Logging     LoggingConfig     `yaml:"logging"`
	Admin       AdminConfig       `yaml:"admin"`
}

// ListenConfig describes the agent-facing mTLS listener.
type ListenConfig struct {
	Addr           string        `yaml:"addr"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	AcceptTimeout  time.Duration `yaml:"accept_timeout"`
	DispatchWorkers int          `yaml:"dispatch_workers"`
}

// TLSConfig points at the server keypair and CA bundle used for mutual TLS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// ClusterConfig selects and configures the master/worker mode switch.
type ClusterConfig struct {
	// Mode is "master", "worker", or "raft".
	Mode        string            `yaml:"mode"`
	MasterAddr  string            `yaml:"master_addr"`  // used when Mode == "worker"
	RPCAddr     string            `yaml:"rpc_addr"`      // used when Mode == "master" or "raft"
	NodeID      string            `yaml:"node_id"`       // used when Mode == "raft"
	BindAddr    string            `yaml:"bind_addr"`     // used when Mode == "raft"
	DataDir     string            `yaml:"data_dir"`      // used when Mode == "raft"
	Peers       map[string]string `yaml:"peers"`         // used when Mode == "raft"
	RPCTimeout  time.Duration     `yaml:"rpc_timeout"`
	// SingleNode marks a deployment with no other cluster members, so the
	// writer tells the agents database its group assignments are already
	// synced instead of requesting a sync.
	SingleNode bool `yaml:"single_node"`
}

// AgentsDBConfig points at the local agents database socket.
type AgentsDBConfig struct {
	SocketPath string        `yaml:"socket_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

// KeystoreConfig controls enrollment policy and on-disk persistence paths.
type KeystoreConfig struct {
	KeyFile       string `yaml:"key_file"`
	TimestampFile string `yaml:"timestamp_file"`
	IDCounterFile string `yaml:"id_counter_file"`
	AllowForce    bool   `yaml:"allow_force"`
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AdminConfig controls the loopback-only health/metrics HTTP listener.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a Config with every field set to its documented default,
// suitable as a base before a YAML file is layered on top.
func Default() Config {
	return Config{
		Listen: ListenConfig{
			Addr:            ":1515",
			QueueCapacity:   64,
			AcceptTimeout:   time.Second,
			DispatchWorkers: 4,
		},
		Cluster: ClusterConfig{
			Mode:       "master",
			RPCAddr:    ":1517",
			RPCTimeout: 5 * time.Second,
		},
		AgentsDB: AgentsDBConfig{
			Timeout: 2 * time.Second,
		},
		Keystore: KeystoreConfig{
			KeyFile:       "client.keys",
			TimestampFile: "client.keys.timestamp",
			IDCounterFile: "counters.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:1516",
		},
	}
}

// Load reads and parses the YAML file at path, starting from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects a configuration that cannot possibly run.
func (c Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("config: listen.addr is required")
	}
	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" || c.TLS.CAFile == "" {
		return fmt.Errorf("config: tls.cert_file, tls.key_file, and tls.ca_file are required")
	}
	switch c.Cluster.Mode {
	case "master":
		if c.Cluster.RPCAddr == "" {
			return fmt.Errorf("config: cluster.rpc_addr is required when cluster.mode is master")
		}
	case "worker":
		if c.Cluster.MasterAddr == "" {
			return fmt.Errorf("config: cluster.master_addr is required when cluster.mode is worker")
		}
	case "raft":
		if c.Cluster.NodeID == "" || c.Cluster.BindAddr == "" || c.Cluster.DataDir == "" {
			return fmt.Errorf("config: cluster.node_id, cluster.bind_addr, and cluster.data_dir are required when cluster.mode is raft")
		}
		if c.Cluster.RPCAddr == "" {
			return fmt.Errorf("config: cluster.rpc_addr is required when cluster.mode is raft")
		}
	default:
		return fmt.Errorf("config: cluster.mode must be one of master, worker, raft, got %q", c.Cluster.Mode)
	}
	return nil
}
