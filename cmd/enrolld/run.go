package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetguard/enrolld/internal/cluster"
	"github.com/fleetguard/enrolld/internal/config"
	"github.com/fleetguard/enrolld/internal/enrollment"
	"github.com/fleetguard/enrolld/internal/idcounter"
	"github.com/fleetguard/enrolld/internal/keystore"
	"github.com/fleetguard/enrolld/internal/logging"
	"github.com/fleetguard/enrolld/internal/pki"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enrollment daemon",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().StringP("config", "c", "/etc/enrolld/enrolld.yaml", "Path to the daemon configuration file")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tlsCtx, err := pki.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
	if err != nil {
		return fmt.Errorf("load tls context: %w", err)
	}

	ids, err := idcounter.Open(cfg.Keystore.IDCounterFile)
	if err != nil {
		return fmt.Errorf("open id counter: %w", err)
	}
	defer ids.Close()

	store := keystore.New()
	if err := enrollment.LoadKeystore(cfg.Keystore.KeyFile, store, ids); err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}

	role, err := buildRoleProvider(cfg)
	if err != nil {
		return fmt.Errorf("build cluster role: %w", err)
	}
	if elector, ok := role.(*cluster.Elector); ok {
		defer elector.Shutdown()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := enrollment.New(cfg, tlsCtx, store, role)
	logging.Info(fmt.Sprintf("enrolld starting, listening on %s", cfg.Listen.Addr))
	return svc.Run(ctx, ids)
}

func buildRoleProvider(cfg config.Config) (cluster.Provider, error) {
	switch cfg.Cluster.Mode {
	case "master":
		return cluster.NewStatic(cluster.Master, ""), nil
	case "worker":
		return cluster.NewStatic(cluster.Worker, cfg.Cluster.MasterAddr), nil
	case "raft":
		return cluster.NewElector(cluster.ElectorConfig{
			NodeID:   cfg.Cluster.NodeID,
			BindAddr: cfg.Cluster.BindAddr,
			DataDir:  cfg.Cluster.DataDir,
			Peers:    cfg.Cluster.Peers,
		})
	default:
		return nil, fmt.Errorf("unknown cluster mode %q", cfg.Cluster.Mode)
	}
}
