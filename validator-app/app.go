package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"

	apisrv "github.com/compose-network/proxy-validator/server/api"
	"github.com/compose-network/proxy-validator/validator-app/config"
	"github.com/compose-network/proxy-validator/x/aggregator"
	chunkworker "github.com/compose-network/proxy-validator/x/chunk-worker"
	waiter "github.com/compose-network/proxy-validator/x/completion-waiter"
	"github.com/compose-network/proxy-validator/x/dispatcher"
	"github.com/compose-network/proxy-validator/x/job"
	"github.com/compose-network/proxy-validator/x/orchestrator"
	jobshttp "github.com/compose-network/proxy-validator/x/orchestrator/http"
	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
)

// readinessJobID is looked up to check the tracker answers at all.
const readinessJobID = "readiness-probe"

// App represents the validation service
type App struct {
	cfg     *config.Config
	cfgFile string
	log     zerolog.Logger

	registry *prometheus.Registry
	tracker  progresstracker.Tracker
	orch     orchestrator.Orchestrator
	crontab  *cron.Cron

	apiServer     *apisrv.Server
	metricsServer *http.Server

	// Shutdown management
	shutdownFns []func() error

	cancel context.CancelFunc
}

// NewApp creates a new application instance
func NewApp(ctx context.Context, cfg *config.Config, cfgFile string, log zerolog.Logger) (*App, error) {
	app := &App{
		cfg:         cfg,
		cfgFile:     cfgFile,
		log:         log.With().Str("component", "app").Logger(),
		shutdownFns: make([]func() error, 0),
	}

	if err := app.initialize(ctx, log); err != nil {
		app.runShutdownFns()
		return nil, fmt.Errorf("failed to initialize app: %w", err)
	}

	return app, nil
}

// initialize wires tracker, executor, dispatcher, waiter, aggregator and the orchestrator, then the HTTP surfaces.
func (a *App) initialize(_ context.Context, log zerolog.Logger) error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tracker, err := progresstracker.New(a.cfg.Tracker, log)
	if err != nil {
		return fmt.Errorf("failed to create progress tracker: %w", err)
	}
	a.tracker = tracker
	a.shutdownFns = append(a.shutdownFns, tracker.Close)

	if ft, ok := tracker.(*progresstracker.FileTracker); ok && a.cfg.Tracker.File.SweepSchedule != "" {
		a.crontab = cron.New()
		if err := a.crontab.AddFunc(a.cfg.Tracker.File.SweepSchedule, func() { a.sweepProgress(ft) }); err != nil {
			return fmt.Errorf("invalid tracker.file.sweep_schedule: %w", err)
		}
	}

	executor, err := a.newExecutor(log)
	if err != nil {
		return err
	}

	dcfg := dispatcher.DefaultConfig(log)
	dcfg.Tracker = tracker
	dcfg.Executor = executor
	dcfg.DefaultChunkSize = a.cfg.Dispatch.ChunkSize
	dcfg.MaxConcurrency = a.cfg.Dispatch.MaxConcurrency
	dcfg.ProgressPollInterval = a.cfg.Waiter.PollInterval
	disp, err := dispatcher.New(dcfg)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	wcfg := waiter.DefaultConfig(log)
	wcfg.Tracker = tracker
	wcfg.Timing = a.cfg.Waiter
	w, err := waiter.New(wcfg)
	if err != nil {
		return fmt.Errorf("failed to create completion waiter: %w", err)
	}

	acfg := aggregator.DefaultConfig(log)
	acfg.MinUsable = a.cfg.Aggregator.MinUsable
	acfg.Handoff = aggregator.NewLogHandoff(log)
	agg, err := aggregator.New(acfg)
	if err != nil {
		return fmt.Errorf("failed to create aggregator: %w", err)
	}

	ocfg := orchestrator.DefaultConfig(log)
	ocfg.Dispatcher = disp
	ocfg.Waiter = w
	ocfg.Aggregator = agg
	ocfg.Tracker = tracker
	ocfg.Metrics = orchestrator.NewMetrics(a.registry)
	ocfg.MaxHistory = a.cfg.History.MaxEntries
	ocfg.HistoryRetention = a.cfg.History.Retention
	ocfg.CancelDrain = a.cfg.History.CancelDrain
	orch, err := orchestrator.New(ocfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	a.orch = orch

	// API server
	s := apisrv.NewServer(a.cfg.API, log)
	s.UseDefaultMiddleware()
	if len(a.cfg.API.CORSOrigins) > 0 {
		s.EnableCORS(a.cfg.API.CORSOrigins...)
	}
	s.Router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	s.Router.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)
	s.Router.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
	jobshttp.NewHandler(orch, a.cfg.API.MaxBodyBytes, log).RegisterMux(s.Router)
	a.apiServer = s

	if a.cfg.Metrics.Enabled {
		a.metricsServer = &http.Server{
			Addr:              a.cfg.Metrics.ListenAddr,
			Handler:           a.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

// newExecutor builds where chunks run: in worker processes, or in-process.
func (a *App) newExecutor(log zerolog.Logger) (dispatcher.Executor, error) {
	if a.cfg.Dispatch.Executor == config.ExecutorProcess {
		e, err := dispatcher.NewProcessExecutor(dispatcher.ProcessConfig{
			Logger:         log,
			Args:           workerFlags(a.cfgFile, a.cfg),
			WorkDir:        a.cfg.Dispatch.WorkDir,
			Tracker:        a.tracker,
			Timeout:        a.cfg.Dispatch.WorkerTimeout,
			GracePeriod:    a.cfg.Worker.GracePeriod,
			MaxConcurrency: a.cfg.Dispatch.MaxConcurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create process executor: %w", err)
		}
		return e, nil
	}

	worker, err := chunkworker.New(workerConfig(a.cfg, log, ""), a.tracker)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk worker: %w", err)
	}
	return dispatcher.NewLocalExecutor(worker, a.cfg.Dispatch.MaxConcurrency, log), nil
}

// workerConfig maps the worker section onto a chunk worker config.
func workerConfig(cfg *config.Config, log zerolog.Logger, pgidDir string) chunkworker.Config {
	wcfg := chunkworker.DefaultConfig(log)
	wcfg.Command = cfg.Worker.Command
	if len(cfg.Worker.Args) > 0 {
		wcfg.Args = append([]string(nil), cfg.Worker.Args...)
	}
	wcfg.Env = cfg.Worker.Env
	wcfg.Timeout = cfg.Worker.Timeout
	wcfg.GracePeriod = cfg.Worker.GracePeriod
	wcfg.TrustPartialOutput = cfg.Worker.TrustPartialOutput
	wcfg.Retry = chunkworker.RetryPolicy{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Backoff:     chunkworker.SteppedBackoff(cfg.Worker.Backoff...),
	}
	wcfg.TempDir = cfg.Worker.TempDir
	wcfg.PGIDDir = pgidDir
	return wcfg
}

func (a *App) metricsHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})).
		Methods(http.MethodGet)
	return r
}

// sweepProgress drops progress records of jobs idle longer than the retention.
func (a *App) sweepProgress(ft *progresstracker.FileTracker) {
	removed, err := ft.Prune(time.Now())
	if err != nil {
		a.log.Warn().Err(err).Int("removed", removed).Msg("Progress sweep incomplete")
		return
	}
	if removed > 0 {
		a.log.Info().Int("removed", removed).Msg("Swept expired progress records")
	}
}

// Run starts the application and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.metricsServer != nil {
		ln, err := net.Listen("tcp", a.metricsServer.Addr)
		if err != nil {
			cancel()
			a.runShutdownFns()
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		go func() {
			if err := a.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error().Err(err).Msg("Metrics server error")
			}
		}()
		a.log.Info().Str("addr", ln.Addr().String()).Str("path", a.cfg.Metrics.Path).Msg("Metrics server started")
	}

	if a.crontab != nil {
		a.crontab.Start()
	}

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- a.apiServer.Start(runCtx)
	}()

	return a.runWithGracefulShutdown(runCtx, apiErr)
}

// runWithGracefulShutdown handles shutdown signals.
func (a *App) runWithGracefulShutdown(ctx context.Context, apiErr <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a.log.Info().Msg("Proxy validator started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("Context canceled, initiating shutdown")
	case sig := <-sigCh:
		a.log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("API server: %w", err)
			a.log.Error().Err(err).Msg("API server failed")
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown stops accepting work, cancels running jobs so their validators are
// torn down, then releases the tracker.
func (a *App) shutdown() error {
	a.log.Info().Msg("Initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := a.orch.Stop(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("Orchestrator shutdown error")
		errs = append(errs, err)
	}

	if a.crontab != nil {
		a.crontab.Stop()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	a.runShutdownFns()

	a.log.Info().Msg("Graceful shutdown complete")
	return errors.Join(errs...)
}

func (a *App) runShutdownFns() {
	for _, fn := range a.shutdownFns {
		if err := fn(); err != nil {
			a.log.Error().Err(err).Msg("Shutdown function error")
		}
	}
	a.shutdownFns = nil
}

// handleHealth responds to health check requests.
func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	apisrv.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports whether the progress tracker answers.
func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	_, err := a.tracker.GetProgress(ctx, readinessJobID)
	if err != nil && !errors.Is(err, progresstracker.ErrJobNotFound) {
		apisrv.WriteError(w, r, http.StatusServiceUnavailable, "tracker_unavailable", err.Error(), nil)
		return
	}
	apisrv.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready", "tracker": a.cfg.Tracker.Backend})
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	apisrv.WriteJSON(w, http.StatusOK, a.GetStats())
}

// GetStats returns application statistics.
func (a *App) GetStats() map[string]any {
	byState := make(map[job.State]int)
	usable := 0
	for _, s := range a.orch.History() {
		byState[s.State]++
		if s.Report != nil && s.State == job.StateComplete {
			usable += s.Report.Usable
		}
	}
	return map[string]any{
		"app_version":     Version,
		"app_build_time":  BuildTime,
		"app_git_commit":  GitCommit,
		"executor":        a.cfg.Dispatch.Executor,
		"finished_jobs":   byState,
		"usable_proxies":  usable,
		"time_per_chunk":  a.cfg.Waiter.TimePerChunk.String(),
		"max_concurrency": a.cfg.Dispatch.MaxConcurrency,
	}
}
