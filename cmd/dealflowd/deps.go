package main

import (
	"context"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/config"
	"github.com/fyrsmithlabs/dealflow/internal/delivery"
	"github.com/fyrsmithlabs/dealflow/internal/logging"
	"github.com/fyrsmithlabs/dealflow/internal/oracle"
	"github.com/fyrsmithlabs/dealflow/internal/orchestrator"
	"github.com/fyrsmithlabs/dealflow/internal/queue"
	"github.com/fyrsmithlabs/dealflow/internal/queue/memqueue"
	"github.com/fyrsmithlabs/dealflow/internal/queue/natsqueue"
	"github.com/fyrsmithlabs/dealflow/internal/redact"
	"github.com/fyrsmithlabs/dealflow/internal/store"
	"github.com/fyrsmithlabs/dealflow/internal/store/memstore"
	"github.com/fyrsmithlabs/dealflow/internal/store/sqlstore"
	"github.com/fyrsmithlabs/dealflow/internal/workflows"
)

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	natsServer *natsserver.Server
	natsConn   *nats.Conn
	store      store.Store
	queue      queue.Queue
	deliverer  delivery.Deliverer
	oracle     *oracle.Guard
	scrubber   redact.Scrubber
	logger     *logging.Logger
}

// Close releases all infrastructure resources in reverse order of creation.
func (d *dependencies) Close() {
	ctx := context.Background()
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Warn(ctx, "closing queue", zap.Error(err))
		}
	}
	if d.natsConn != nil {
		_ = d.natsConn.Drain()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
		d.natsServer.WaitForShutdown()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn(ctx, "closing store", zap.Error(err))
		}
	}
}

// initDependencies opens everything the orchestrator needs. On error the
// resources opened so far are released.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *dependencies, err error) {
	d := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()
	z := logger.Underlying()

	d.scrubber, err = redact.New(&cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("redaction: %w", err)
	}

	d.store, err = openStore(cfg.Store, z)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "Store opened", zap.String("driver", cfg.Store.Driver))

	if cfg.Queue.Backend == config.QueueNATS || cfg.NATS.Embedded {
		if err := d.connectNATS(ctx, cfg.NATS); err != nil {
			return nil, err
		}
	}

	switch cfg.Queue.Backend {
	case config.QueueNATS:
		d.queue, err = natsqueue.New(d.natsConn, natsqueue.Config{
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Consumer:      cfg.NATS.Consumer,
			MaxDeliver:    cfg.NATS.MaxDeliver,
			AckWait:       cfg.NATS.AckWait.Duration(),
		}, z)
		if err != nil {
			return nil, fmt.Errorf("nats queue: %w", err)
		}
	default:
		d.queue = memqueue.New(
			memqueue.WithPollInterval(cfg.Queue.PollInterval.Duration()),
			memqueue.WithMaxAttempts(cfg.Queue.MaxAttempts),
			memqueue.WithLogger(z),
		)
	}

	if d.natsConn != nil {
		d.deliverer, err = delivery.NewJetStream(d.natsConn, delivery.JetStreamConfig{
			Stream:        cfg.NATS.DeliveryStream,
			SubjectPrefix: cfg.NATS.DeliverySubjectPrefix,
		}, z)
		if err != nil {
			return nil, fmt.Errorf("delivery stream: %w", err)
		}
	} else {
		d.deliverer = delivery.Log{Logger: z}
		logger.Warn(ctx, "No NATS connection, approved actions are only logged")
	}

	o, err := newOracle(cfg.Oracle)
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	d.oracle = oracle.NewGuard(o, cfg.Oracle.Timeout.Duration(), z)
	logger.Info(ctx, "Oracle configured",
		zap.String("provider", cfg.Oracle.Provider),
		logging.Secret("api_key", cfg.Oracle.APIKey))

	return d, nil
}

func newOracle(cfg config.OracleConfig) (oracle.Oracle, error) {
	switch cfg.Provider {
	case config.OracleAnthropic:
		return oracle.NewAnthropic(oracle.AnthropicConfig{
			APIKey:     cfg.APIKey.Value(),
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			MaxTokens:  cfg.MaxTokens,
			RateLimit:  cfg.RateLimit,
			Burst:      cfg.Burst,
			MaxRetries: cfg.MaxRetries,
		})
	case config.OracleOpenAI:
		return oracle.NewOpenAI(oracle.OpenAIConfig{
			APIKey:     cfg.APIKey.Value(),
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			MaxTokens:  cfg.MaxTokens,
			RateLimit:  cfg.RateLimit,
			Burst:      cfg.Burst,
			MaxRetries: cfg.MaxRetries,
		})
	default:
		return oracle.Disabled{}, nil
	}
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMySQL:
		st, err := sqlstore.OpenMySQL(cfg.DSN.Value(), sqlstore.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("mysql store: %w", err)
		}
		return st, nil
	case config.DriverSQLite:
		st, err := sqlstore.OpenSQLite(cfg.DSN.Value(), sqlstore.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return st, nil
	default:
		return memstore.New(), nil
	}
}

// connectNATS dials the configured server, starting an embedded one first
// when asked.
func (d *dependencies) connectNATS(ctx context.Context, cfg config.NATSConfig) error {
	url := cfg.URL
	if cfg.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			NoSigs:    true,
			JetStream: true,
			StoreDir:  cfg.StoreDir,
		})
		if err != nil {
			return fmt.Errorf("embedded nats: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(10 * time.Second) {
			srv.Shutdown()
			return fmt.Errorf("embedded nats not ready")
		}
		d.natsServer = srv
		url = srv.ClientURL()
		d.logger.Info(ctx, "Embedded NATS started", zap.String("url", url), zap.String("store_dir", cfg.StoreDir))
	}

	nc, err := nats.Connect(url,
		nats.Name("dealflowd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	d.natsConn = nc
	d.logger.Info(ctx, "Connected to NATS", zap.String("url", url))
	return nil
}

// startSweeps runs the periodic jobs either on a Temporal worker or on the
// in-process scheduler. The returned func stops them.
func startSweeps(ctx context.Context, cfg *config.Config, sweeper *orchestrator.Sweeper, logger *logging.Logger) (func(), error) {
	if !cfg.Temporal.Enabled {
		sched, err := orchestrator.NewScheduler(sweeper, logger,
			orchestrator.WithInterval(cfg.Sweep.Interval.Duration()))
		if err != nil {
			return nil, fmt.Errorf("sweep scheduler: %w", err)
		}
		if err := sched.Start(); err != nil {
			return nil, err
		}
		logger.Info(ctx, "Sweep scheduler started", zap.Duration("interval", cfg.Sweep.Interval.Duration()))
		return func() { _ = sched.Stop() }, nil
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal at %s: %w", cfg.Temporal.HostPort, err)
	}
	w := workflows.NewWorker(c, cfg.Temporal.TaskQueue, &workflows.Activities{Sweeper: sweeper})
	if err := w.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("temporal worker: %w", err)
	}
	run, err := workflows.StartSweep(ctx, c, workflows.Options{
		TaskQueue:  cfg.Temporal.TaskQueue,
		WorkflowID: cfg.Temporal.WorkflowID,
	}, workflows.SweepParams{Interval: cfg.Sweep.Interval.Duration()})
	if err != nil {
		w.Stop()
		c.Close()
		return nil, err
	}
	logger.Info(ctx, "Sweep workflow running",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
		zap.String("task_queue", cfg.Temporal.TaskQueue))
	return func() {
		w.Stop()
		c.Close()
	}, nil
}
