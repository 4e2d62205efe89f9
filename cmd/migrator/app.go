package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/agent/apidesign"
	"github.com/c360studio/migrator/agent/asyncarch"
	"github.com/c360studio/migrator/agent/backend"
	"github.com/c360studio/migrator/agent/clone"
	"github.com/c360studio/migrator/agent/frontend"
	"github.com/c360studio/migrator/agent/gitops"
	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/agent/modeler"
	"github.com/c360studio/migrator/agent/verify"
	"github.com/c360studio/migrator/api"
	"github.com/c360studio/migrator/config"
	"github.com/c360studio/migrator/llm"
	"github.com/c360studio/migrator/metrics"
	"github.com/c360studio/migrator/queue"
	"github.com/c360studio/migrator/storage"
	"github.com/c360studio/migrator/workflow"
	"github.com/c360studio/migrator/workspace"
)

// app wires the runtime together: NATS, the stores, the dispatch
// queue, workspaces, the agents, and the HTTP API.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embedded *server.Server
	conn     *nats.Conn
	js       jetstream.JetStream

	// Observability
	promReg *prometheus.Registry
	metrics *metrics.Metrics

	// Shared components
	jobs       *storage.JobStore
	claims     *storage.ClaimStore
	dispatcher *queue.Dispatcher
	workspaces *workspace.Manager
	submitter  *workflow.Submitter
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	return &app{cfg: cfg, logger: logger}
}

// start brings up NATS and the components every mode shares.
func (a *app) start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	a.promReg = prometheus.NewRegistry()
	a.metrics = metrics.New(a.promReg)

	jobs, err := storage.NewJobStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize job store: %w", err)
	}
	a.jobs = jobs

	claims, err := storage.NewClaimStore(ctx, a.js, a.cfg.Claims.LeaseTTL)
	if err != nil {
		return fmt.Errorf("initialize claim store: %w", err)
	}
	a.claims = claims

	dispatcher, err := queue.NewDispatcher(ctx, a.js, a.logger)
	if err != nil {
		return fmt.Errorf("initialize dispatcher: %w", err)
	}
	a.dispatcher = dispatcher

	a.workspaces = workspace.NewManager(a.cfg.Workspaces.Root, a.logger)
	a.submitter = workflow.NewSubmitter(a.jobs, a.dispatcher, a.metrics, a.logger)
	return nil
}

func (a *app) startNATS(_ context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		// Connect to external NATS
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.conn = conn
	} else {
		// Start embedded NATS server. JetStream state lives next to the
		// workspaces so jobs survive restarts of a single-binary deployment.
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  filepath.Join(a.cfg.Workspaces.Root, ".nats"),
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embedded = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.conn = conn
	}

	js, err := jetstream.New(a.conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// shutdown closes the NATS connection and stops the embedded server
// when one is running.
func (a *app) shutdown() {
	if a.conn != nil {
		_ = a.conn.Drain()
		a.conn.Close()
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
		a.embedded.WaitForShutdown()
	}
	a.logger.Info("Shutdown complete")
}

// buildRegistry constructs the full stage-to-agent table. A configured
// LLM provider enriches schema and API artifacts with design prose;
// without one every agent produces deterministic output.
func (a *app) buildRegistry() (*agent.Registry, error) {
	var completer llm.Completer
	if a.cfg.LLM.Provider != "" {
		client, err := llm.NewClient(llm.Config{
			Provider: a.cfg.LLM.Provider,
			Model:    a.cfg.LLM.Model,
			Endpoint: a.cfg.LLM.Endpoint,
			APIKey:   a.cfg.LLM.APIKey,
			Timeout:  a.cfg.LLM.Timeout,
		}, llm.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("create LLM client: %w", err)
		}
		completer = client
		a.logger.Info("LLM enrichment enabled", "provider", a.cfg.LLM.Provider, "model", a.cfg.LLM.Model)
	} else {
		a.logger.Info("LLM enrichment disabled; artifacts carry deterministic notes only")
	}

	return agent.NewRegistry(
		clone.NewSource(0),
		clone.NewTarget(0),
		intake.New(),
		modeler.New(completer, a.logger),
		apidesign.New(completer, a.logger),
		backend.New(),
		asyncarch.New(),
		frontend.New(),
		verify.New(verify.Options{
			HealthProbe:   a.cfg.Verify.HealthProbe,
			HealthURL:     a.cfg.Verify.HealthURL,
			HealthTimeout: a.cfg.Verify.HealthTimeout,
		}, a.logger),
		gitops.New(a.cfg.GitHub.Token, a.logger),
	)
}

// buildWorkerRuntime assembles the engine, its queue consumer, and the
// sweeper.
func (a *app) buildWorkerRuntime(ctx context.Context) (*workflow.Engine, *queue.Consumer, *workflow.Sweeper, error) {
	registry, err := a.buildRegistry()
	if err != nil {
		return nil, nil, nil, err
	}

	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Jobs:        a.jobs,
		Claims:      a.claims,
		Dispatcher:  a.dispatcher,
		Workspaces:  a.workspaces,
		Registry:    registry,
		Policy:      workflow.NewPolicy(a.cfg.Retry),
		Concurrency: a.cfg.Worker.Concurrency,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create engine: %w", err)
	}

	consumer, err := queue.NewConsumer(ctx, a.js, a.cfg.Worker.AckWait, a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create consumer: %w", err)
	}

	sweeper := workflow.NewSweeper(a.jobs, a.claims, a.dispatcher, a.cfg.Claims.SweepInterval, a.metrics, a.logger)
	return engine, consumer, sweeper, nil
}

// runServe runs the API server, the worker engine, and the sweeper in
// one process until ctx is cancelled or a component fails.
func (a *app) runServe(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.shutdown()

	engine, consumer, sweeper, err := a.buildWorkerRuntime(ctx)
	if err != nil {
		return err
	}

	apiServer := api.New(a.jobs, a.submitter, a.workspaces, a.promReg, a.logger)
	httpServer := &http.Server{
		Addr:              a.cfg.API.Addr(),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	errs := make(chan error, 3)
	go func() { errs <- engine.Run(runCtx, consumer) }()
	go func() { errs <- sweeper.Run(runCtx) }()
	go func() {
		a.logger.Info("API listening", "addr", httpServer.Addr)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("api server: %w", err)
			return
		}
		errs <- nil
	}()
	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("API shutdown incomplete", "error", err)
		}
	}()

	return waitAll(errs, 3, stop)
}

// runWorker runs the worker engine and the sweeper against an external
// NATS server until ctx is cancelled.
func (a *app) runWorker(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.shutdown()

	engine, consumer, sweeper, err := a.buildWorkerRuntime(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	errs := make(chan error, 2)
	go func() { errs <- engine.Run(runCtx, consumer) }()
	go func() { errs <- sweeper.Run(runCtx) }()

	return waitAll(errs, 2, stop)
}

// runSweep performs a single sweep pass and reports what it repaired.
func (a *app) runSweep(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.shutdown()

	sweeper := workflow.NewSweeper(a.jobs, a.claims, a.dispatcher, a.cfg.Claims.SweepInterval, a.metrics, a.logger)
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	fmt.Printf("Re-enqueued %d stalled stage(s)\n", n)
	return nil
}

// waitAll collects n component results; the first failure cancels the
// rest and becomes the return value.
func waitAll(errs <-chan error, n int, stop func()) error {
	var firstErr error
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}
	return firstErr
}
