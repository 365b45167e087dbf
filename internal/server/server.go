// Package server composes the spider host: storage, advisories, the thread
// broker, the supervisor and the admin API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/advisory"
	"github.com/JakeFAU/spiderhost/internal/advisory/sinks"
	"github.com/JakeFAU/spiderhost/internal/api"
	"github.com/JakeFAU/spiderhost/internal/broker"
	"github.com/JakeFAU/spiderhost/internal/clock"
	"github.com/JakeFAU/spiderhost/internal/config"
	"github.com/JakeFAU/spiderhost/internal/ledger"
	"github.com/JakeFAU/spiderhost/internal/logging"
	gcppublisher "github.com/JakeFAU/spiderhost/internal/publisher/pubsub"
	"github.com/JakeFAU/spiderhost/internal/spider"
	"github.com/JakeFAU/spiderhost/internal/spiders/pagewatch"
	"github.com/JakeFAU/spiderhost/internal/storage"
	"github.com/JakeFAU/spiderhost/internal/supervisor"
	"github.com/JakeFAU/spiderhost/internal/tabular"
)

const advisoryTopic = "spider-advisories"

// App contains the host's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	backends   *storage.Backends
	tables     *tabular.Store
	recorder   *advisory.Recorder
	hub        *advisory.Hub
	broker     *broker.Broker
	supervisor *supervisor.Supervisor
	catalog    *supervisor.Catalog
	apiServer  *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
}

// Options overrides process-wide collaborators, mostly for tests.
type Options struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Clock      clock.Clock
}

// NewCatalog returns the catalog of spiders this binary can host.
func NewCatalog() *supervisor.Catalog {
	catalog := supervisor.NewCatalog()
	catalog.MustRegister(pagewatch.Name, pagewatch.Builder)
	return catalog
}

// Build creates the application's dependencies without loading any spider.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}

	app := &App{cfg: cfg, logger: logger, catalog: NewCatalog()}
	logger.Info("building spider host",
		zap.Int("port", cfg.Server.Port),
		zap.String("tabular", cfg.Storage.Tabular),
		zap.String("kv", cfg.Storage.KV),
		zap.Int("max_threads_per_spider", cfg.Broker.MaxThreadsPerSpider),
		zap.Int("max_threads_global", cfg.Broker.MaxThreadsGlobal),
	)

	var err error
	app.backends, err = storage.Open(ctx, cfg.Storage, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}
	app.tables = tabular.New(app.backends.Tables, logger.Named("tabular"))

	if err = app.setupAdvisories(ctx, opts.Registerer); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	emitter := advisory.Multi{app.hub, app.recorder}
	app.broker = broker.New(ledger.New(cfg.Broker.Limits(), opts.Clock), emitter, logger.Named("broker"))
	app.supervisor, err = supervisor.New(supervisor.Deps{
		Broker:        app.broker,
		Tables:        app.tables,
		KV:            app.backends.KV,
		Emitter:       emitter,
		Logger:        logger,
		Clock:         opts.Clock,
		UnloadTimeout: cfg.Supervisor.UnloadTimeout,
	})
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("supervisor init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Deps{
		Lifecycle:  app.supervisor,
		Threads:    app.broker,
		Advisories: app.recorder,
		Tables:     app.tables,
		Ready:      app.ready,
		Auth:       cfg.Auth,
		Logger:     logger,
	})
	return app, nil
}

func (a *App) setupAdvisories(ctx context.Context, reg prometheus.Registerer) error {
	a.recorder = advisory.NewRecorder(a.cfg.Advisory.RecentLimit)

	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("advisory metrics init failed: %w", err)
	}
	sinkList := []advisory.Sink{sinks.NewLogSink(a.logger.Named("advisory_log")), promSink}

	if a.cfg.Advisory.PubSub.Enabled() {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.Advisory.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = gcppublisher.New(a.pubsubClient.Publisher(a.cfg.Advisory.PubSub.TopicName))
		pubSink, err := sinks.NewPublisherSink(a.pubsubPublisher, advisoryTopic)
		if err != nil {
			return fmt.Errorf("advisory publisher init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
		a.logger.Info("Pub/Sub advisory publisher initialized",
			zap.String("project", a.cfg.Advisory.PubSub.ProjectID),
			zap.String("topic", a.cfg.Advisory.PubSub.TopicName),
		)
	} else {
		a.logger.Debug("no Pub/Sub topic configured, advisories stay local")
	}

	hubCfg := advisory.HubConfig{
		BufferSize:     a.cfg.Advisory.BufferSize,
		MaxBatchEvents: a.cfg.Advisory.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Advisory.MaxBatchWait,
		SinkTimeout:    a.cfg.Advisory.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("advisory_hub"),
	}
	a.hub = advisory.NewHub(hubCfg, sinkList...)
	a.logger.Debug("advisory hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Supervisor returns the unit supervisor.
func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

// Catalog returns the spider catalog.
func (a *App) Catalog() *supervisor.Catalog { return a.catalog }

// Tables returns the tabular store facade.
func (a *App) Tables() *tabular.Store { return a.tables }

// Recorder returns the recent-advisory buffer.
func (a *App) Recorder() *advisory.Recorder { return a.recorder }

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

func (a *App) ready(ctx context.Context) error {
	if _, err := a.tables.Tables(ctx); err != nil {
		return fmt.Errorf("tabular store: %w", err)
	}
	return nil
}

// LoadSpider builds the named catalog entry and loads it under id, starting
// it when start is set.
func (a *App) LoadSpider(ctx context.Context, sc config.SpiderConfig, start bool) error {
	factory, err := a.catalog.Factory(sc.Name, sc.Params)
	if err != nil {
		return fmt.Errorf("spider %q: %w", sc.ID, err)
	}
	id := spider.ID(sc.ID)
	if err := a.supervisor.Load(ctx, id, factory); err != nil {
		return err
	}
	if start {
		return a.supervisor.Start(id)
	}
	return nil
}

// LoadConfigured loads every spider listed under supervisor.spiders. It stops
// at the first failure.
func (a *App) LoadConfigured(ctx context.Context) error {
	for _, sc := range a.cfg.Supervisor.Spiders {
		if err := a.LoadSpider(ctx, sc, sc.AutoStart); err != nil {
			return err
		}
		a.logger.Info("spider loaded",
			zap.String("spider", sc.ID),
			zap.String("kind", sc.Name),
			zap.Bool("auto_start", sc.AutoStart),
		)
	}
	return nil
}

// Run loads the configured spiders, serves the admin API and blocks until
// the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.LoadConfigured(ctx); err != nil {
		return errors.Join(err, a.Close(context.Background()))
	}

	var srv *http.Server
	if a.cfg.Server.Admin {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("admin server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("admin server error", zap.Error(err))
				stop()
			}
		}()
	}

	a.logger.Info("spider host started")
	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("admin server shutdown error", zap.Error(err))
		}
	}
	return a.Close(shutdownCtx)
}

// Close unloads every spider, flushes advisories and releases storage.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.supervisor != nil {
		if err = a.supervisor.Shutdown(ctx); err != nil {
			a.logger.Warn("supervisor shutdown incomplete", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("advisory hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.backends != nil {
		if err := a.backends.Close(); err != nil {
			a.logger.Warn("storage close failed", zap.Error(err))
		}
	}
}
