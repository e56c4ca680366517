package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/enascvm/admiral/pkg/adapter"
	"github.com/enascvm/admiral/pkg/api"
	"github.com/enascvm/admiral/pkg/health"
	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/manager"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/enascvm/admiral/pkg/ttlcache"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admiral manager",
	Long: `Run the admiral manager: the replicated store, the task engine with
the container removal workflow, the volume reconciler, and the HTTP and
gRPC endpoints.

The first start bootstraps a single-node cluster in the data directory;
later starts resume from it and resume every unfinished task.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithNodeID(cfg.Node.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.Node.ID,
		BindAddr: cfg.Node.RaftAddr,
		DataDir:  cfg.Node.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Manager shutdown failed")
		}
	}()

	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	leaderCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = mgr.WaitForLeader(leaderCtx)
	cancel()
	if err != nil {
		return err
	}
	metrics.RegisterComponent("raft", true, "")
	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("tasks", false, "starting")
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Raft leader elected")

	containers, err := adapter.NewContainerdAdapter(cfg.Containerd.Socket, cfg.Containerd.Namespace)
	if err != nil {
		return err
	}
	defer containers.Close()

	store := mgr.Store()
	s, err := newStack(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.withTasks(containers); err != nil {
		return err
	}

	resumed, err := s.engine.Start()
	if err != nil {
		return fmt.Errorf("failed to resume tasks: %w", err)
	}
	metrics.UpdateComponent("tasks", true, "")
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Task engine started (%d tasks resumed)\n", resumed)

	s.sessions.Start()
	defer s.sessions.Stop()
	s.reconciler.Start()

	checks := health.NewMonitor(cfg.Checks.Monitor())
	checks.Add("containerd", health.NewDialChecker("unix", cfg.Containerd.Socket))
	if redis, ok := s.locker.(*ttlcache.RedisLocker); ok {
		checks.Add("redis", health.CheckFunc(redis.Ping))
	}
	checks.Start()
	defer checks.Stop()

	collector := metrics.NewCollector(store, 15*time.Second)
	collector.Start()
	defer collector.Stop()
	raftCollector := manager.NewMetricsCollector(mgr, 15*time.Second)
	raftCollector.Start()
	defer raftCollector.Stop()

	errCh := make(chan error, 2)

	hs := api.NewHealthServer(api.HealthConfig{
		Cluster: mgr,
		Store:   store,
		Tasks:   s.engine,
		Version: Version,
	})
	if cfg.API.HTTPAddr != "" {
		go func() {
			if err := hs.Start(cfg.API.HTTPAddr); err != nil {
				errCh <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()
	}

	gs := api.NewGRPCServer()
	if cfg.API.GRPCAddr != "" {
		go func() {
			if err := gs.Start(cfg.API.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}
	gs.SyncReadiness()

	readiness := time.NewTicker(5 * time.Second)
	defer readiness.Stop()

	fmt.Fprintln(cmd.OutOrStdout(), "Manager is running. Press Ctrl+C to stop.")

	var runErr error
loop:
	for {
		select {
		case <-readiness.C:
			gs.SyncReadiness()
		case <-ctx.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			break loop
		case err := <-errCh:
			runErr = err
			break loop
		}
	}

	metrics.UpdateComponent("tasks", false, "stopping")
	gs.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown failed")
	}

	return runErr
}
