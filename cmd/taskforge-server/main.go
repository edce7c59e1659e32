// Command taskforge-server runs the task-tree orchestration engine's HTTP
// surface: the JSON-RPC agent endpoint, /tasks and /system, /ws, and a
// separate metrics listener. Thin entrypoint delegating to already-wired
// packages.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskforge/internal/asyncutil"
	"taskforge/internal/config"
	"taskforge/internal/events"
	"taskforge/internal/executor"
	"taskforge/internal/logging"
	"taskforge/internal/observability"
	"taskforge/internal/repository/memory"
	"taskforge/internal/rpc"
	"taskforge/internal/scheduler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the "serve" command, grounded on
// cmd/cobra_cli.go's NewRootCommand: persistent flags bound through
// config.Load rather than read directly, so env vars and a config file
// layer underneath them.
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "taskforge-server",
		Short: "Task-tree orchestration engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "Path to a config file (yaml/json/toml, viper-supported)")
	root.Flags().Int("worker_pool_size", 0, "Override worker_pool_size")
	root.Flags().String("addr", "", "Override the API listen address")
	root.Flags().String("metrics_addr", "", "Override the metrics listen address")
	root.Flags().String("log_level", "", "Override the log level")
	return root
}

func run(cfg *config.Config) error {
	logger := logging.NewComponentLogger("taskforge-server")

	repo := memory.New(memory.WithLogger(logging.NewComponentLogger("repository.memory")))
	defer repo.Close()

	registry := executor.NewRegistry()

	metrics := observability.New()
	metrics.SetWorkerPoolSize(cfg.WorkerPoolSize)
	hooks := executor.NewHookChain()
	observability.NewHooks(metrics).Register(hooks)

	tracerProvider := observability.NewTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(ctx)
	}()

	bus := events.NewBus(cfg.StreamBufferSize)
	sched := scheduler.New(repo, registry, bus,
		scheduler.WithWorkerPoolSize(cfg.WorkerPoolSize),
		scheduler.WithHooks(hooks),
		scheduler.WithLogger(logging.NewComponentLogger("scheduler")),
	)

	dispatcher := rpc.New(repo, sched, bus,
		rpc.WithCallbackDefaults(cfg.CallbackMaxRetries, cfg.CallbackBaseBackoff),
		rpc.WithLogger(logging.NewComponentLogger("rpc")),
	)
	server := rpc.NewServer(dispatcher, bus,
		rpc.WithDefaultUserID(cfg.DefaultUserID),
		rpc.WithAgentCard(cfg.AgentName, cfg.AgentDescription, cfg.Addr, cfg.AgentVersion),
		rpc.WithServerLogger(logging.NewComponentLogger("rpc.server")),
	)

	obsServer := observability.NewServer(metrics, bus, func() int { return len(sched.RunningRoots()) })

	pollerCtx, stopPoller := context.WithCancel(context.Background())
	defer stopPoller()
	asyncutil.Go(logger, "observability.poller", func() {
		obsServer.RunPoller(pollerCtx, 5*time.Second)
	})

	apiServer := &http.Server{Addr: cfg.Addr, Handler: server.Router()}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: obsServer.Router()}

	return serveUntilSignal(logger, apiServer, metricsServer)
}

// serveUntilSignal runs both HTTP servers until SIGINT/SIGTERM, then drains
// them with a bounded grace period.
func serveUntilSignal(logger logging.Logger, servers ...*http.Server) error {
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		asyncutil.Go(logger, "server.listen", func() {
			logger.Info("listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
				return
			}
			errCh <- nil
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-quit:
		logger.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("shutdown of %s: %v", srv.Addr, err)
		}
	}
	return nil
}
