package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/database"
	"github.com/segyhp/settlement-engine/internal/events"
	"github.com/segyhp/settlement-engine/internal/gateway"
	"github.com/segyhp/settlement-engine/internal/idempotency"
	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/internal/repository"
	"github.com/segyhp/settlement-engine/internal/repository/memory"
	"github.com/segyhp/settlement-engine/internal/repository/postgres"
	"github.com/segyhp/settlement-engine/internal/service"
)

// App is the wired component graph shared by the server and the scheduler
type App struct {
	Config   *config.Config
	Logger   *logrus.Entry
	DB       *sqlx.DB
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder

	Repos     *repository.Repositories
	Gateway   gateway.MoneyGateway
	Publisher events.Publisher

	Guard        *idempotency.Guard
	Retries      *service.RetryScheduler
	Executor     *service.PaymentExecutor
	Billing      *service.BillingService
	Listener     *service.ReconciliationListener
	Overdue      *service.OverdueMonitor
	Orchestrator *service.Orchestrator

	closers []func() error
}

// New connects the configured stores and builds every service
func New(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewRecorder(a.Registry)

	if err := a.initStore(); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initRedis(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Gateway = NewGateway(cfg.Gateway)
	a.Publisher = NewPublisher(cfg, logger)
	a.closers = append(a.closers, a.Publisher.Close)

	if err := a.initServices(); err != nil {
		a.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"database": cfg.Database.Driver,
		"gateway":  a.Gateway.Provider(),
		"redis":    a.Redis != nil,
		"kafka":    len(cfg.GetKafkaBrokers()) > 0,
	}).Info("components initialized")

	return a, nil
}

func (a *App) initStore() error {
	switch a.Config.Database.Driver {
	case "memory":
		a.Repos = memory.NewStore().Repositories()
		a.Logger.Warn("using the in-memory store, data is lost on restart")
		return nil
	default:
		db, err := database.Connect(a.Config.Database)
		if err != nil {
			return err
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)

		if a.Config.Database.AutoMigrate {
			if err := database.RunMigrations(db); err != nil {
				return err
			}
			a.Logger.Info("database migrations applied")
		}

		a.Repos = postgres.New(db)
		return nil
	}
}

func (a *App) initRedis(ctx context.Context) error {
	client, err := NewRedis(a.Config.Redis)
	if err != nil {
		return err
	}
	if client == nil {
		a.Logger.Warn("redis disabled, idempotency cache and scheduler leases are off")
		return nil
	}
	a.Redis = client
	a.closers = append(a.closers, client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (a *App) initServices() error {
	cfg := a.Config
	terms, err := cfg.GetAllowedTerms()
	if err != nil {
		return err
	}

	log := a.Logger
	a.Guard = idempotency.NewGuard(a.Repos.Idempotency, a.Redis, cfg.Business.IdempotencyTTL, log.WithField("component", "idempotency"), a.Metrics)
	a.Retries = service.NewRetryScheduler(a.Repos, cfg.Business, log.WithField("component", "retry"), a.Metrics)
	a.Executor = service.NewPaymentExecutor(a.Repos, a.Guard, a.Gateway, a.Retries, cfg, log.WithField("component", "executor"), a.Metrics)

	calculator := service.NewScheduleCalculator(terms, cfg.Business.DefaultGraceDays, int32(cfg.Business.CurrencyPrecision))
	a.Billing = service.NewBillingService(a.Repos, calculator, a.Executor, cfg, log.WithField("component", "billing"), a.Metrics)

	signer := gateway.NewSigner(cfg.Callback.Secret)
	a.Listener = service.NewReconciliationListener(a.Repos, a.Executor, signer, cfg, log.WithField("component", "reconciliation"), a.Metrics)
	a.Overdue = service.NewOverdueMonitor(a.Repos, cfg, log.WithField("component", "overdue"), a.Metrics)

	relay := events.NewRelay(a.Repos.Tx, a.Repos.Outbox, a.Publisher, a.Retries.Backoff, cfg.Scheduler.BatchSize, log.WithField("component", "outbox"), a.Metrics)
	a.Orchestrator = service.NewOrchestrator(a.Repos, a.Executor, a.Retries, a.Overdue, a.Guard, relay, cfg, log.WithField("component", "orchestrator"))
	return nil
}

// Close releases connections in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewRedis builds a client from REDIS_URL or host and port. It returns nil when both are empty.
func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	if cfg.Host == "" {
		return nil, nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// NewGateway returns the configured money gateway driver
func NewGateway(cfg config.GatewayConfig) gateway.MoneyGateway {
	if cfg.Driver == "http" {
		return gateway.NewHTTPGateway(cfg.BaseURL, cfg.APIKey, cfg.Provider, cfg.Timeout)
	}
	return gateway.NewSandbox(cfg.Provider, cfg.SandboxMode)
}

// NewPublisher returns a Kafka publisher when brokers are configured, otherwise one that logs
func NewPublisher(cfg *config.Config, logger logrus.FieldLogger) events.Publisher {
	if brokers := cfg.GetKafkaBrokers(); len(brokers) > 0 {
		return events.NewKafkaPublisher(brokers, cfg.Kafka.Topic)
	}
	return events.NewLogPublisher(logger.WithField("component", "publisher"))
}
