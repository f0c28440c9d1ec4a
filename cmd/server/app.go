package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pesio-ai/be-approval-workflows/internal/config"
	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/metrics"
	"github.com/pesio-ai/be-approval-workflows/internal/notify"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/internal/spool"
	"github.com/pesio-ai/be-approval-workflows/internal/subject"
)

// stores groups the persistence contracts behind the configured driver.
type stores struct {
	catalog   repository.CatalogStore
	steps     repository.StepStore
	tasks     repository.TaskStore
	directory repository.DirectoryStore
	audit     repository.AuditStore
	db        *database.DB
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("Using the in-memory store; data is lost on restart")
		m := memory.New()
		return &stores{
			catalog:   m.Catalog(),
			steps:     m.Steps(),
			tasks:     m.Tasks(),
			directory: m.Directory(),
			audit:     m.Audit(),
		}, nil
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Database connection established")
	return &stores{
		catalog:   repository.NewCatalogRepository(db),
		steps:     repository.NewApprovalStepsRepository(db),
		tasks:     repository.NewApprovalWorkflowRepository(db),
		directory: repository.NewDirectoryRepository(db),
		audit:     repository.NewApprovalAuditRepository(db),
		db:        db,
	}, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

func (s *stores) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// openTransport connects the configured network sink. The hub sink has no
// transport and yields nil.
func openTransport(ctx context.Context, cfg *config.Config, log *logger.Logger) (notify.Sink, func() error, error) {
	n := cfg.Notifications
	switch n.Sink {
	case "nats":
		sink, err := notify.NewNATSSink(n.NATSURL, n.SubjectPrefix, log.Component("nats").Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return sink, sink.Close, nil
	case "redis":
		sink, err := notify.NewRedisSink(ctx, n.RedisAddr, n.RedisPassword, n.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return sink, sink.Close, nil
	case "log":
		return notify.NewLogSink(log.Component("notifications").Logger), func() error { return nil }, nil
	}
	return nil, func() error { return nil }, nil
}

// app is the fully wired service.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	stores     *stores
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	hub        *notify.Hub
	spool      *spool.Store
	dispatcher *notify.Dispatcher

	catalog   *service.CatalogService
	steps     *service.StepService
	workflow  *service.WorkflowService
	directory *service.DirectoryService

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.stores = st

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.spool, err = spool.Open(cfg.Notifications.SpoolPath)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open notification spool: %w", err)
	}

	transport, closeTransport, err := openTransport(ctx, cfg, log)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, closeTransport)

	a.hub = notify.NewHub(64)
	var sink notify.Sink = a.hub
	if transport != nil {
		n := cfg.Notifications
		breaker := notify.NewBreakerSink(transport, notify.BreakerSettings{
			MaxRequests:         n.Breaker.MaxRequests,
			Interval:            n.Breaker.Interval,
			Timeout:             n.Breaker.Timeout,
			ConsecutiveFailures: n.Breaker.ConsecutiveFailures,
		}, log.Component("breaker").Logger)
		sink = notify.NewTee(a.hub, breaker)
	}

	a.dispatcher = notify.NewDispatcher(sink, notify.Options{
		Workers:     cfg.Notifications.Workers,
		QueueSize:   cfg.Notifications.QueueSize,
		FanOut:      cfg.Notifications.FanOut,
		PushTimeout: cfg.Notifications.PushTimeout,
	}, a.spool, a.metrics, log.Component("dispatcher").Logger)
	a.dispatcher.Start()

	subjects := subject.NewRegistry()
	for _, kind := range cfg.Subjects {
		subjects.Register(kind, finishLogger(log, kind))
	}

	a.catalog = service.NewCatalogService(st.catalog, log.Component("catalog"))
	a.steps = service.NewStepService(st.steps, st.catalog, st.directory, log.Component("steps"))
	a.directory = service.NewDirectoryService(st.directory, log.Component("directory"))
	a.workflow = service.NewWorkflowService(
		st.tasks, st.steps, st.catalog, st.audit, st.directory,
		subjects, a.dispatcher, a.metrics, log.Component("workflow"),
	)
	a.steps.SetResumer(a.workflow)

	log.Info().
		Str("store", cfg.Database.Driver).
		Str("sink", sink.Name()).
		Strs("subjects", subjects.Kinds()).
		Msg("Service components initialized")
	return a, nil
}

// finishLogger records the end of a subject's workflow. Subject owners that
// need a callback register their own finisher for the kind.
func finishLogger(log *logger.Logger, kind string) subject.Finisher {
	return subject.FinisherFunc(func(_ context.Context, o subject.Outcome) error {
		log.Info().
			Str("subject_kind", kind).
			Str("subject_id", o.Subject.ID).
			Str("tenant_id", o.TenantID).
			Str("status", string(o.Status)).
			Msg("Workflow finished")
		return nil
	})
}

// Close drains the dispatcher and releases every resource.
func (a *app) Close(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Notification dispatcher did not drain")
		}
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close notification transport")
		}
	}
	if a.spool != nil {
		a.spool.Close()
	}
	if a.stores != nil {
		a.stores.Close()
	}
}
