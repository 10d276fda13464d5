package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/distributor/pkg/api"
	"github.com/cuemby/distributor/pkg/config"
	"github.com/cuemby/distributor/pkg/distributor"
	"github.com/cuemby/distributor/pkg/log"
	"github.com/cuemby/distributor/pkg/manager"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "distributor",
	Short:   "Data Distributor - control plane for a replicated, transactional key-value store",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(joinCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new Data Distributor cluster with this node as the first member",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(mgr *manager.Manager) error {
			return mgr.Bootstrap()
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing Data Distributor cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, _ := cmd.Flags().GetString("leader")
		if leader == "" {
			return fmt.Errorf("--leader is required")
		}
		return run(cmd, func(mgr *manager.Manager) error {
			return mgr.Join(leader)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{initCmd, joinCmd} {
		cmd.Flags().String("node-id", "dd-1", "Unique node ID")
		cmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
		cmd.Flags().String("api-addr", "127.0.0.1:8500", "Address for the control API")
		cmd.Flags().String("data-dir", "./distributor-data", "Data directory for persisted state")
		cmd.Flags().String("config", "", "Path to a cluster config YAML file")
	}
	joinCmd.Flags().String("leader", "", "Leader node's control API address")
}

// run performs the shared bootstrap/join sequence: create the Manager,
// invoke start (Bootstrap or Join), apply configuration, wire the
// Distributor and its control API, then block until an interrupt.
func run(cmd *cobra.Command, start func(*manager.Manager) error) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")

	logger := log.WithComponent("main")
	logger.Info().Str("node_id", nodeID).Str("bind_addr", bindAddr).Msg("starting data distributor")

	mgr, err := manager.NewManager(&manager.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	if err := start(mgr); err != nil {
		return fmt.Errorf("failed to start raft: %w", err)
	}

	knobs := types.DefaultKnobs()
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := mgr.SaveConfig(cfg); err != nil {
			logger.Warn().Err(err).Msg("failed to persist cluster config (not leader yet?)")
		}
		knobs = cfg.Knobs
	}

	if err := mgr.SaveMode(types.ModeEnabled); err != nil {
		logger.Warn().Err(err).Msg("failed to enable dd-mode (not leader yet?)")
	}

	collector := manager.NewMetricsCollector(mgr)
	collector.Start()
	defer collector.Stop()

	dist := distributor.New(mgr, knobs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	distErrCh := make(chan error, 1)
	go func() {
		if err := dist.Run(ctx); err != nil {
			distErrCh <- err
		}
	}()

	server := api.NewServer(mgr, dist, knobs)
	apiErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx, apiAddr); err != nil {
			apiErrCh <- err
		}
	}()

	logger.Info().Str("api_addr", apiAddr).Msg("data distributor running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-distErrCh:
		logger.Error().Err(err).Msg("distributor loop exited")
	case err := <-apiErrCh:
		logger.Error().Err(err).Msg("api server exited")
	}

	cancel()
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
