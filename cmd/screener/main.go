package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liamcoop/txscreen/alerts"
	"github.com/liamcoop/txscreen/annotation"
	"github.com/liamcoop/txscreen/config"
	"github.com/liamcoop/txscreen/customer"
	"github.com/liamcoop/txscreen/internal/logger"
	"github.com/liamcoop/txscreen/rules"
	"github.com/liamcoop/txscreen/scoring"
	"github.com/liamcoop/txscreen/tracing"
	"github.com/liamcoop/txscreen/workflow"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", os.Getenv("TXSCREEN_CONFIG"), "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", "error", err)
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.ErrorSampleRate); err != nil {
		logger.Fatal("Invalid log settings", "error", err)
	}

	app, err := newApp(context.Background(), cfg)
	if err != nil {
		logger.Fatal("Failed to start screener", "error", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting screener", "addr", cfg.Server.Addr, "correlator", cfg.Tracing.Correlator)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down screener")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	app.close(ctx)
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to flush logs: %v\n", err)
	}
}

// app is the wired screener. closers run in reverse order on shutdown.
type app struct {
	server  *Server
	closers []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Error("Shutdown step failed", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close(ctx)
		return nil, err
	}

	correlator, metrics, err := a.correlator(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fail(fmt.Errorf("failed to open database: %w", err))
		}
		a.onClose(func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return fail(fmt.Errorf("failed to ping database: %w", err))
		}
	}

	customers, err := a.customers(ctx, cfg, db)
	if err != nil {
		return fail(err)
	}

	store := rules.RuleStore(rules.NewInMemoryRuleStore())
	if cfg.Scoring.OperatorRules && db != nil {
		store = rules.NewPostgresRuleStore(db)
	}
	operator, err := rules.NewEngine(store)
	if err != nil {
		return fail(fmt.Errorf("failed to create rule engine: %w", err))
	}

	policy, err := cfg.ScoringPolicy()
	if err != nil {
		return fail(err)
	}
	scorer, err := scoring.NewEngine(policy, operator)
	if err != nil {
		return fail(fmt.Errorf("failed to create scoring engine: %w", err))
	}

	annotator, err := newAnnotator(cfg)
	if err != nil {
		return fail(err)
	}

	orch, err := workflow.New(cfg.WorkflowConfig(), workflow.Dependencies{
		Customers:  customers,
		Scorer:     scorer,
		Annotator:  annotator,
		Alerts:     newAlertDispatcher(cfg, db),
		Correlator: correlator,
	})
	if err != nil {
		return fail(err)
	}

	var health pinger
	if db != nil {
		health = db
	}
	a.server = NewServer(orch, operator, health, metrics, cfg.Server.RequestTimeout)
	return a, nil
}

// correlator builds the configured correlator and, for otel, the metrics
// handler backed by its Prometheus registry.
func (a *app) correlator(ctx context.Context, cfg *config.Config) (tracing.Correlator, http.Handler, error) {
	opts := []tracing.Option{tracing.WithRegistry(tracing.NewRegistry(cfg.Tracing.RegistryLimit))}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := tracing.NewKafkaPublisher(cfg.KafkaConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		a.onClose(func(context.Context) error { return pub.Close() })
		opts = append(opts, tracing.WithEventSink(pub))
	}

	if cfg.Tracing.Correlator == "log" {
		return tracing.NewLogCorrelator(os.Stdout, opts...), nil, nil
	}

	providers, err := tracing.Setup(ctx, cfg.ProviderConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.onClose(providers.Shutdown)
	return tracing.NewOTelCorrelator(providers.TracerProvider, providers.MeterProvider, opts...), providers.MetricsHandler(), nil
}

func (a *app) customers(ctx context.Context, cfg *config.Config, db *sql.DB) (customer.Source, error) {
	if cfg.Customers.Source == config.CustomerSourceStatic {
		if cfg.Customers.File == "" {
			logger.Warn("Static customer source has no profiles file; every lookup will fail")
			return customer.NewStaticSource(nil), nil
		}
		return customer.LoadStaticFile(cfg.Customers.File)
	}

	var src customer.Source = customer.NewPostgresSource(db)
	if cfg.Redis.Addr == "" {
		return src, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.onClose(func(context.Context) error { return rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, profile cache will be bypassed until it recovers", "addr", cfg.Redis.Addr, "error", err)
	}
	return customer.NewCachedSource(src, rdb, cfg.Redis.TTL), nil
}

// newAnnotator renders narratives locally, preferring the model endpoint when
// one is configured.
func newAnnotator(cfg *config.Config) (workflow.Annotator, error) {
	local, err := annotation.NewTemplateAnnotator(cfg.Annotation.Template)
	if err != nil {
		return nil, err
	}
	if cfg.Annotation.Endpoint == "" {
		return local, nil
	}
	remote, err := annotation.NewHTTPAnnotator(cfg.AnnotationConfig())
	if err != nil {
		return nil, err
	}
	return annotation.Fallback{remote, local}, nil
}

// newAlertDispatcher prefers the remote adapter, then the database, then an
// in-process store.
func newAlertDispatcher(cfg *config.Config, db *sql.DB) workflow.AlertDispatcher {
	switch {
	case cfg.Alerts.URL != "":
		return alerts.NewClient(cfg.Alerts.URL, cfg.Alerts.Timeout)
	case db != nil:
		return alerts.NewService(alerts.NewPostgresStore(db))
	default:
		logger.Warn("No alert adapter or database configured, alerts are kept in memory")
		return alerts.NewService(alerts.NewInMemoryStore())
	}
}
