// Dealflowd runs the deal negotiation core: the HTTP API, the queue worker
// and the periodic sweeps.
//
// Configuration is loaded from ~/.config/dealflow/config.yaml (or -config)
// and DEALFLOW_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults (in-memory store and queue, no oracle)
//	dealflowd
//
//	# Configure via environment
//	DEALFLOW_STORE_DRIVER=sqlite DEALFLOW_STORE_DSN=/var/lib/dealflow/deals.db dealflowd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/config"
	httpserver "github.com/fyrsmithlabs/dealflow/internal/http"
	"github.com/fyrsmithlabs/dealflow/internal/logging"
	"github.com/fyrsmithlabs/dealflow/internal/orchestrator"
	"github.com/fyrsmithlabs/dealflow/internal/stage"
	"github.com/fyrsmithlabs/dealflow/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/dealflow/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  dealflowd           Start the dealflow daemon\n")
			fmt.Fprintf(os.Stderr, "  dealflowd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("dealflowd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts dealflowd and blocks until ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Opens the store, queue and delivery transport (embedded NATS if asked)
//  4. Builds the oracle, stage registry and orchestrator
//  5. Starts the queue worker, the sweeps and the HTTP server
//  6. Shuts everything down in reverse on cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, logger, err := initObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
		_ = logger.Sync()
	}()

	if degraded := tel.Degraded(); len(degraded) > 0 {
		logger.Warn(ctx, "Telemetry degraded, continuing without it", zap.Strings("components", degraded))
	}
	logger.Info(ctx, "Starting dealflowd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("oracle", cfg.Oracle.Provider),
		zap.Bool("temporal", cfg.Temporal.Enabled))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	registry := stage.DefaultRegistry(stage.Deps{
		Oracle:   deps.oracle,
		Scrubber: deps.scrubber,
		Logger:   logger.Underlying(),
	})
	orch, err := orchestrator.New(orchestrator.Config{
		Store:         deps.store,
		Registry:      registry,
		Queue:         deps.queue,
		Deliverer:     deps.deliverer,
		Policies:      cfg.Policies(),
		Scrubber:      deps.scrubber,
		Logger:        logger,
		ManualThreads: cfg.Policy.ManualThreads,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	sweeper := orchestrator.NewSweeper(orch, orchestrator.SweepConfig{
		SilenceThreshold: cfg.Sweep.SilenceThreshold.Duration(),
		RedeliveryAfter:  cfg.Sweep.RedeliveryAfter.Duration(),
		ConflictWindow:   cfg.Sweep.ConflictWindow.Duration(),
		BatchSize:        cfg.Sweep.RelayBatch,
	})

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- orchestrator.NewWorker(orch).Run(workerCtx, deps.queue)
	}()

	stopSweeps, err := startSweeps(ctx, cfg, sweeper, logger)
	if err != nil {
		return err
	}
	defer stopSweeps()

	srv, err := httpserver.NewServer(orch, logger, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-workerDone:
		workerDone <- err
		if err != nil {
			runErr = fmt.Errorf("queue worker: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	stopWorker()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn(shutdownCtx, "queue worker did not stop before the shutdown timeout")
	}
	return runErr
}

// initObservability builds telemetry first so the logger can bridge to its
// OTEL log provider.
func initObservability(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, *logging.Logger, error) {
	tcfg, err := telemetry.FromSettings(cfg.Telemetry, version)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry config: %w", err)
	}
	tel, err := telemetry.New(ctx, tcfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lcfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("logging config: %w", err)
	}
	var logger *logging.Logger
	if cfg.Logging.OTEL && tel.IsEnabled() {
		logger, err = logging.NewLogger(lcfg, tel.LoggerProvider())
	} else {
		logger, err = logging.NewLogger(lcfg, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return tel, logger, nil
}
