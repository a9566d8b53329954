package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/internal/config"
	"github.com/MarkoPoloResearchLab/aicredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/aicredits/internal/lowbalance"
	"github.com/MarkoPoloResearchLab/aicredits/internal/observability"
	"github.com/MarkoPoloResearchLab/aicredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// application holds the wired runtime shared by every subcommand.
type application struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	store    *openedStore
	redis    redis.UniversalClient
	service  *credits.Service
	notifier *lowbalance.Notifier
	runner   *scheduler.Runner
}

func newApplication(ctx context.Context, cfg config.Config) (*application, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	app, err := wireApplication(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

func wireApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opened, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.store = opened
	if err := opened.migrate(); err != nil {
		app.Close()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			app.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		app.redis = client
	}

	clock := func() time.Time { return time.Now().UTC() }
	service, err := credits.NewService(opened.store, clock,
		credits.WithOperationLogger(observability.NewOperationLogger(logger, app.registry)),
		credits.WithPlanCatalog(opened.store, opened.store),
		credits.WithDefaultReservationTTL(cfg.ReservationTTL),
		credits.WithBatchSizes(cfg.ExpiryBatchSize, cfg.ResetBatchSize),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	app.service = service

	var debouncer lowbalance.Debouncer = lowbalance.NewMemoryDebouncer(clock)
	if app.redis != nil {
		debouncer = lowbalance.NewRedisDebouncer(app.redis)
	}
	notifier, err := lowbalance.NewNotifier(service, debouncer, lowbalance.NewLogSink(logger), cfg.LowBalanceDebounce)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("notifier init: %w", err)
	}
	app.notifier = notifier

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	runnerOptions := []scheduler.Option{scheduler.WithMetrics(observability.NewJobMetrics(app.registry))}
	if app.redis != nil {
		runnerOptions = append(runnerOptions, scheduler.WithLocker(scheduler.NewRedisLocker(app.redis), cfg.LockTTL))
	}
	runner, err := scheduler.New(logger, node, runnerOptions...)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("scheduler init: %w", err)
	}
	app.runner = runner
	return app, nil
}

func (app *application) jobs() []scheduler.Job {
	return []scheduler.Job{
		scheduler.ExpiryJob(app.service, app.cfg.ExpiryInterval),
		scheduler.PeriodResetJob(app.service, app.cfg.ResetInterval),
	}
}

func (app *application) job(name string) (scheduler.Job, error) {
	for _, job := range app.jobs() {
		if job.Name == name {
			return job, nil
		}
	}
	return scheduler.Job{}, fmt.Errorf("unknown job %q", name)
}

func (app *application) httpServer() (*httpapi.Server, error) {
	jobs := app.jobs()
	return httpapi.NewServer(app.cfg, httpapi.Dependencies{
		Logger:     app.logger,
		Ledger:     app.service,
		Authorizer: httpapi.RoleAuthorizer{},
		Notifier:   app.notifier,
		Jobs:       app.runner,
		ExpiryJob:  jobs[0],
		ResetJob:   jobs[1],
		Gatherer:   app.registry,
	})
}

// Close releases the store and redis connections and flushes the logger.
func (app *application) Close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.store != nil {
		app.store.close()
	}
	_ = app.logger.Sync()
}
