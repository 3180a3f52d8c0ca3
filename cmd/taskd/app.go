package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phrazzld/taskd/internal/api"
	"github.com/phrazzld/taskd/internal/api/middleware"
	"github.com/phrazzld/taskd/internal/circuit"
	"github.com/phrazzld/taskd/internal/config"
	"github.com/phrazzld/taskd/internal/events"
	"github.com/phrazzld/taskd/internal/generation"
	"github.com/phrazzld/taskd/internal/platform/cache"
	"github.com/phrazzld/taskd/internal/platform/gemini"
	"github.com/phrazzld/taskd/internal/platform/metrics"
	"github.com/phrazzld/taskd/internal/platform/natsbus"
	"github.com/phrazzld/taskd/internal/platform/sqlstore"
	"github.com/phrazzld/taskd/internal/retry"
	"github.com/phrazzld/taskd/internal/scheduler"
	"github.com/phrazzld/taskd/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	connectTimeout     = 10 * time.Second
	cacheJanitorPeriod = time.Minute
)

// application holds the long-lived components of the service and closes
// them on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db        *sqlstore.DB
	nc        *nats.Conn
	cache     *cache.TTLCache
	metrics   *metrics.Metrics
	breakers  *circuit.Manager
	hub       *api.Hub
	tasks     *task.Manager
	cron      *scheduler.CronRuntime
	dashboard *scheduler.Reconciler
}

// newApplication connects to the database, applies migrations and builds
// every component. Optional integrations are skipped when not configured.
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: log}
	ready := false
	defer func() {
		if !ready {
			app.close()
		}
	}()

	var err error

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	app.db, err = sqlstore.Open(connectCtx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	migrator, err := sqlstore.NewMigrator(app.db, log)
	if err != nil {
		return nil, err
	}
	if err := migrator.Up(ctx); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(registry)

	app.breakers = circuit.NewManager(circuit.SettingsFromConfig(cfg.Breaker),
		circuit.WithObserver(app.metrics.ObserveBreaker))

	emitter := events.NewInMemoryEventEmitter(log)
	app.hub = api.NewHub(log)
	emitter.RegisterHandler(app.hub)

	if cfg.NATS.Enabled {
		app.nc, err = natsbus.Connect(cfg.NATS, log)
		if err != nil {
			return nil, err
		}
		emitter.RegisterHandler(natsbus.NewPublisher(app.nc, cfg.NATS.SubjectPrefix, log))
	}

	taskRegistry := task.NewRegistry()
	if cfg.LLM.GeminiAPIKey != "" {
		gen, err := gemini.NewGenerator(ctx, log.With("component", "llm_generator"), cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM generator: %w", err)
		}
		if err := generation.NewOperations(gen, log).Register(taskRegistry); err != nil {
			return nil, err
		}
		log.Info("generation task types registered", "task_types", taskRegistry.Types())
	} else {
		log.Warn("llm.gemini_api_key is not set, generation task types are disabled")
	}

	app.tasks = task.NewManager(
		sqlstore.NewTaskStore(app.db, log),
		task.ConfigFromSettings(cfg.Task),
		log,
		task.WithRegistry(taskRegistry),
		task.WithBreakers(app.breakers),
		task.WithRetryProfiles(retry.NewProfiles(cfg.Retry)),
		task.WithEmitter(emitter),
		task.WithRecorder(app.metrics),
	)

	if cfg.Scheduler.Enabled {
		schedulerStore := sqlstore.NewSchedulerStore(app.db, log)
		emitter.RegisterHandler(scheduler.NewRecurringOutcomes(schedulerStore, log))
		app.cron = scheduler.NewCronRuntime(schedulerStore, app.tasks, cfg.Scheduler.CheckInterval, log)

		opts := []scheduler.ReconcilerOption{
			scheduler.WithStaleAfter(cfg.Scheduler.StaleAfter),
			scheduler.WithSnapshotRecorder(app.metrics),
		}
		if cfg.Scheduler.CachePath != "" && cfg.Scheduler.SnapshotCacheTTL > 0 {
			app.cache, err = cache.Open(cfg.Scheduler.CachePath, log)
			if err != nil {
				return nil, err
			}
			app.cache.StartJanitor(cacheJanitorPeriod)
			opts = append(opts, scheduler.WithSnapshotCache(app.cache, cfg.Scheduler.SnapshotCacheTTL))
		}
		app.dashboard = scheduler.NewReconciler(schedulerStore, app.cron, log, opts...)
	}

	ready = true
	return app, nil
}

// start launches the task workers and the scheduler.
func (app *application) start(ctx context.Context) error {
	if err := app.tasks.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task manager: %w", err)
	}
	if app.cron != nil {
		if err := app.cron.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

// stop halts the scheduler before the task manager so no new work is queued
// while workers drain.
func (app *application) stop(ctx context.Context) {
	if app.cron != nil {
		if err := app.cron.Stop(ctx); err != nil {
			app.logger.Error("scheduler shutdown failed", "error", err)
		}
	}
	if app.tasks != nil {
		if err := app.tasks.Stop(ctx); err != nil {
			app.logger.Error("task manager shutdown failed", "error", err)
		}
	}
}

func (app *application) router() http.Handler {
	deps := api.Deps{
		Tasks:    app.tasks,
		Breakers: app.breakers,
		Hub:      app.hub,
		Auth:     middleware.NewAuthenticator(app.config.Auth, app.logger),
		Metrics:  app.metrics.Handler(),
		Logger:   app.logger,
		HealthChecks: map[string]api.HealthCheck{
			"database": func(ctx context.Context) error { return app.db.PingContext(ctx) },
		},
	}
	if app.dashboard != nil {
		deps.Dashboard = app.dashboard
	}
	if app.nc != nil {
		deps.HealthChecks["nats"] = func(context.Context) error {
			if !app.nc.IsConnected() {
				return errors.New("nats is not connected")
			}
			return nil
		}
	}
	return api.NewRouter(deps)
}

// close releases connections. It is safe to call on a partly built application.
func (app *application) close() {
	if app.nc != nil {
		if err := app.nc.Drain(); err != nil {
			app.logger.Warn("failed to drain nats connection", "error", err)
		}
	}
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			app.logger.Warn("failed to close snapshot cache", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Warn("failed to close database", "error", err)
		}
	}
}
