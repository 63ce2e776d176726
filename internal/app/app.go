// Package app builds the application's dependencies from configuration and
// runs the HTTP server until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/api"
	"github.com/JakeFAU/scrapewatch/internal/clock/system"
	"github.com/JakeFAU/scrapewatch/internal/collaborator"
	"github.com/JakeFAU/scrapewatch/internal/config"
	"github.com/JakeFAU/scrapewatch/internal/controller"
	"github.com/JakeFAU/scrapewatch/internal/id/uuid"
	"github.com/JakeFAU/scrapewatch/internal/logging"
	"github.com/JakeFAU/scrapewatch/internal/metrics"
	"github.com/JakeFAU/scrapewatch/internal/progress"
	progresssinks "github.com/JakeFAU/scrapewatch/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/scrapewatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrapewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
	gcsstorage "github.com/JakeFAU/scrapewatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrapewatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrapewatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrapewatch/internal/storage/postgres"
	rediscache "github.com/JakeFAU/scrapewatch/internal/storage/redis"
	sqlitestore "github.com/JakeFAU/scrapewatch/internal/storage/sqlite"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

// publisher is what the publish sink needs plus shutdown.
type publisher interface {
	progresssinks.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	registry    prometheus.Registerer
	httpClient  *http.Client
	apiServer   *api.Server
	tracker     *controller.Tracker
	progressHub *progress.Hub
	runs        store.RunRepository
	cache       *rediscache.StatusCache
	publisher   publisher
	storage     *storage.Client
	closers     []func() error
}

// Option overrides a process-wide dependency.
type Option func(*App)

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegistry registers job collectors on reg instead of the default registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(a *App) { a.registry = reg }
}

// WithHTTPClient sets the client used to reach the collaborator.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
	}
	metrics.Init()

	type sanitizedConfig struct {
		ServerPort   int    `json:"server_port"`
		Collaborator string `json:"collaborator"`
		Transport    string `json:"transport"`
		Storage      string `json:"storage"`
		Archive      string `json:"archive"`
	}
	app.logger.Info("building application dependencies", zap.Any("config", sanitizedConfig{
		ServerPort:   cfg.Server.Port,
		Collaborator: cfg.Collaborator.BaseURL,
		Transport:    cfg.Collaborator.Transport,
		Storage:      cfg.Storage.Driver,
		Archive:      cfg.Archive.Driver,
	}))

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.setupRunStore(ctx); err != nil {
		return err
	}
	if err := a.setupCache(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	if err := a.setupProgress(ctx, blobs); err != nil {
		return err
	}
	if err := a.setupTracker(); err != nil {
		return err
	}

	var checks []api.ReadyCheck
	if a.cache != nil {
		checks = append(checks, api.ReadyCheck{Name: "redis", Check: a.cache.Ping})
	}
	a.apiServer = api.NewServer(a.tracker, a.runs, uuid.New(), *a.cfg, a.logger, checks...)
	return nil
}

// Handler exposes the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Tracker exposes the job tracker.
func (a *App) Tracker() *controller.Tracker {
	return a.tracker
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Release job streams first so event relays end before the server drains.
	a.tracker.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close detaches every tracked job, flushes the progress hub and releases
// infrastructure clients. Jobs keep running on the collaborator.
func (a *App) Close(ctx context.Context) error {
	if a.tracker != nil {
		a.tracker.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.cache = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("run store close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) setupRunStore(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "sqlite":
		s, err := sqlitestore.New(a.cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite run store init failed: %w", err)
		}
		a.runs = s
		a.closers = append(a.closers, s.Close)
		a.logger.Info("using sqlite run store", zap.String("path", a.cfg.Storage.SQLitePath))
	case "postgres":
		s, err := pgstore.NewRunStore(ctx, pgstore.Config{
			DSN:   a.cfg.Storage.PostgresDSN,
			Table: a.cfg.Storage.Table,
		})
		if err != nil {
			return fmt.Errorf("postgres run store init failed: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.runs = s
		a.logger.Info("using postgres run store", zap.String("table", a.cfg.Storage.Table))
	default:
		a.logger.Info("using in-memory run store")
		a.runs = memorystorage.NewRunStore()
	}
	return nil
}

func (a *App) setupCache(ctx context.Context) error {
	if a.cfg.Cache.RedisAddr == "" {
		a.logger.Debug("no redis address configured, status cache disabled")
		return nil
	}
	cache, err := rediscache.New(rediscache.Config{
		Addr:     a.cfg.Cache.RedisAddr,
		Password: a.cfg.Cache.RedisPassword,
		DB:       a.cfg.Cache.RedisDB,
		TTL:      a.cfg.CacheTTL(),
	})
	if err != nil {
		return fmt.Errorf("redis cache init failed: %w", err)
	}
	a.cache = cache
	if err := cache.Ping(ctx); err != nil {
		// Readiness reports it; the cache is best effort.
		a.logger.Warn("redis not reachable at startup", zap.Error(err))
	}
	a.logger.Info("redis status cache enabled",
		zap.String("addr", a.cfg.Cache.RedisAddr),
		zap.Duration("ttl", a.cfg.CacheTTL()))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	p, err := gcppublisher.NewFromProject(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = p
	a.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupArchive(ctx context.Context) (progresssinks.BlobWriter, error) {
	switch a.cfg.Archive.Driver {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Archive.GCSBucket,
			Prefix: a.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("archiving runs to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{
			BaseDir: a.cfg.Archive.BaseDir,
			Prefix:  a.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving runs locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	default:
		a.logger.Debug("run archive disabled")
		return nil, nil
	}
}

func (a *App) setupProgress(ctx context.Context, blobs progresssinks.BlobWriter) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")),
		progresssinks.NewPublishSink(a.publisher, a.cfg.PubSub.TopicName, a.logger.Named("progress_publish")),
	}
	if a.cache != nil {
		sinkList = append(sinkList, progresssinks.NewCacheSink(a.cache))
	}
	if blobs != nil {
		sinkList = append(sinkList, progresssinks.NewArchiveSink(blobs, a.logger.Named("progress_archive")))
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.BatchWait(),
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupTracker() error {
	collabCfg := collaborator.Config{
		BaseURL:    a.cfg.Collaborator.BaseURL,
		APIKey:     a.cfg.Collaborator.APIKey,
		Timeout:    a.cfg.CollaboratorTimeout(),
		HTTPClient: a.httpClient,
		Logger:     a.logger,
	}
	client, err := collaborator.New(collabCfg)
	if err != nil {
		return fmt.Errorf("collaborator client init failed: %w", err)
	}
	transport, err := collaborator.NewTransport(a.cfg.Collaborator.Transport, collabCfg)
	if err != nil {
		return fmt.Errorf("collaborator transport init failed: %w", err)
	}
	scale, err := scrape.ParseProgressScale(a.cfg.Collaborator.ProgressScale)
	if err != nil {
		return fmt.Errorf("collaborator.progress_scale: %w", err)
	}

	ctrlCfg := controller.Config{
		AttachTimeout: a.cfg.AttachTimeout(),
		CancelTimeout: a.cfg.CancelTimeout(),
		Reconnect: controller.ReconnectPolicy{
			MaxAttempts: a.cfg.Controller.MaxReconnects,
			BaseDelay:   a.cfg.BackoffInitial(),
			MaxDelay:    a.cfg.BackoffMax(),
		},
		DropLogInterval: a.cfg.DropLogInterval(),
		Decoder:         scrape.Decoder{Scale: scale},
		TransportName:   a.cfg.Collaborator.Transport,
	}
	a.tracker = controller.NewTracker(client, transport, a.progressHub, system.New(), ctrlCfg, a.logger)
	a.logger.Info("controller initialized",
		zap.String("collaborator", a.cfg.Collaborator.BaseURL),
		zap.String("transport", a.cfg.Collaborator.Transport),
		zap.Int("max_reconnects", ctrlCfg.Reconnect.MaxAttempts),
		zap.Duration("attach_timeout", ctrlCfg.AttachTimeout),
		zap.Duration("cancel_timeout", ctrlCfg.CancelTimeout),
	)
	return nil
}
