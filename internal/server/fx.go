// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/api"
	"github.com/webability/scrapegate/internal/backend/direct"
	"github.com/webability/scrapegate/internal/backend/direct/detector"
	"github.com/webability/scrapegate/internal/backend/unlocker"
	"github.com/webability/scrapegate/internal/clock/system"
	"github.com/webability/scrapegate/internal/config"
	"github.com/webability/scrapegate/internal/dispatcher"
	"github.com/webability/scrapegate/internal/hash/sha256"
	"github.com/webability/scrapegate/internal/id/uuid"
	"github.com/webability/scrapegate/internal/logging"
	"github.com/webability/scrapegate/internal/metrics"
	"github.com/webability/scrapegate/internal/proxy"
	memorypublisher "github.com/webability/scrapegate/internal/publisher/memory"
	gcppublisher "github.com/webability/scrapegate/internal/publisher/pubsub"
	queuememory "github.com/webability/scrapegate/internal/queue/memory"
	"github.com/webability/scrapegate/internal/requestqueue"
	"github.com/webability/scrapegate/internal/retry"
	"github.com/webability/scrapegate/internal/scrape"
	"github.com/webability/scrapegate/internal/scraper"
	gcsstorage "github.com/webability/scrapegate/internal/storage/gcs"
	localstorage "github.com/webability/scrapegate/internal/storage/local"
	memorystorage "github.com/webability/scrapegate/internal/storage/memory"
	pgstore "github.com/webability/scrapegate/internal/storage/postgres"
	r2storage "github.com/webability/scrapegate/internal/storage/r2"
	"github.com/webability/scrapegate/internal/telemetry"
	"github.com/webability/scrapegate/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	scraper   *scraper.Service
	pool      *proxy.Pool
	requests  *requestqueue.Queue
	tasks     *queuememory.Queue
	jobs      *memorystorage.JobStore
	browser   *direct.Browser
	attempts  *pgstore.AttemptStore

	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	storage      *storage.Client
	localBlobs   *localstorage.BlobStore

	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Define a struct for logging only non-sensitive config fields
	type SanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Backend    string `json:"backend"`
		Storage    string `json:"storage"`
		Auth       bool   `json:"auth"`
	}
	safeCfg := SanitizedConfig{
		ServerPort: cfg.Server.Port,
		Backend:    cfg.Backend.Kind,
		Storage:    cfg.Storage.Backend,
		Auth:       cfg.AuthEnabled(),
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Scraper returns the fallback-chain scraper.
func (a *App) Scraper() scrape.Scraper {
	return a.scraper
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	a.startBackground(ctx, &wg, true)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.tasks.Close()
	a.requests.Close()
	wg.Wait()

	return a.Close(shutdownCtx)
}

// RunOnce serves a single request through the fallback chain without the HTTP API.
func (a *App) RunOnce(ctx context.Context, req scrape.Request) (scrape.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	a.startBackground(ctx, &wg, false)
	defer func() {
		cancel()
		a.requests.Close()
		wg.Wait()
	}()
	return a.scraper.Scrape(ctx, req)
}

func (a *App) startBackground(ctx context.Context, wg *sync.WaitGroup, reports bool) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.requests.Run(ctx)
	}()
	if !reports {
		return
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.jobs.RunJanitor(ctx, a.cfg.Reports.JanitorInterval)
	}()
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Reports.Workers))
		a.dispatch.Run(ctx)
	}()
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.localBlobs != nil {
		if err := a.localBlobs.Close(); err != nil {
			a.logger.Warn("local blob store close failed", zap.Error(err))
		}
	}
	if a.attempts != nil {
		a.attempts.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	metrics.Init()

	app.tracerShutdown, err = telemetry.Init(ctx, "scrapegate")
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if err = setupScraper(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.dispatch = setupDispatcher(app, blobStore, publisher)

	checks := map[string]api.ReadyCheck{}
	if app.attempts != nil {
		checks["postgres"] = app.attempts.Ping
	}
	app.apiServer = api.NewServer(api.Options{
		Scraper:        app.scraper,
		Reports:        app.dispatch,
		Proxies:        app.pool,
		Checks:         checks,
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger.Named("api"),
	})

	return app, nil
}

func setupScraper(ctx context.Context, app *App) error {
	backend, err := setupBackend(app)
	if err != nil {
		return err
	}

	poolCfg := proxy.Config{
		DefaultCountry:  app.cfg.Proxy.DefaultCountry,
		FallbackCountry: app.cfg.Proxy.FallbackCountry,
		Residential:     app.cfg.Proxy.Residential,
		Breaker: proxy.BreakerConfig{
			Window:         app.cfg.Proxy.Breaker.Window,
			Cooldown:       app.cfg.Proxy.Breaker.Cooldown,
			MinRequests:    app.cfg.Proxy.Breaker.MinRequests,
			FailureRatio:   app.cfg.Proxy.Breaker.FailureRatio,
			HalfOpenProbes: app.cfg.Proxy.Breaker.HalfOpenProbes,
		},
	}
	if app.cfg.Backend.Kind == "direct" && app.cfg.Backend.Direct.ISPProxyURL == "" {
		app.logger.Warn("no ISP proxy URL configured, chain reduced to the residential tier")
		poolCfg.DisableISP = true
		poolCfg.Residential = true
	}
	app.pool = proxy.NewPool(poolCfg, app.logger.Named("proxy"))

	app.requests = requestqueue.New(requestqueue.Config{
		Workers:     app.cfg.Queue.Workers,
		MinInterval: app.cfg.Queue.MinInterval,
		Depth:       app.cfg.Queue.Depth,
	}, app.logger.Named("requestqueue"))
	app.logger.Info("request queue configured",
		zap.Int("workers", app.cfg.Queue.Workers),
		zap.Duration("min_interval", app.cfg.Queue.MinInterval),
		zap.Int("depth", app.cfg.Queue.Depth),
	)

	var recorder scrape.AttemptRecorder
	if err = setupDatabase(ctx, app); err != nil {
		return err
	}
	if app.attempts != nil {
		recorder = app.attempts
	}

	app.scraper, err = scraper.New(scraper.Options{
		Backend: backend,
		Pool:    app.pool,
		Queue:   app.requests,
		Retry: retry.New(retry.Config{
			MaxAttempts: app.cfg.Retry.MaxAttempts,
			BaseDelay:   app.cfg.Retry.BaseDelay,
			MaxDelay:    app.cfg.Retry.MaxDelay,
		}),
		Recorder: recorder,
		IDs:      uuid.New(),
		Clock:    system.New(),
		Logger:   app.logger.Named("scraper"),
	})
	if err != nil {
		return fmt.Errorf("scraper init failed: %w", err)
	}
	return nil
}

func setupBackend(app *App) (scrape.Backend, error) {
	switch app.cfg.Backend.Kind {
	case "direct":
		dc := app.cfg.Backend.Direct
		if dc.Browser.Enabled {
			browser, err := direct.NewBrowser(direct.BrowserConfig{
				MaxParallel:       dc.Browser.MaxParallel,
				NavigationTimeout: dc.Browser.NavigationTimeout,
				Settle:            dc.Browser.Settle,
				ExecPath:          dc.Browser.ExecPath,
				UserAgent:         dc.UserAgent,
			}, app.logger.Named("browser"))
			if err != nil {
				return nil, fmt.Errorf("browser init failed: %w", err)
			}
			app.browser = browser
			app.logger.Info("headless browser enabled", zap.Int("max_parallel", dc.Browser.MaxParallel))
		}
		backend, err := direct.New(direct.Config{
			ISPProxyURL:         dc.ISPProxyURL,
			ResidentialProxyURL: dc.ResidentialProxyURL,
			UserAgent:           dc.UserAgent,
			Timeout:             dc.Timeout,
			TLSFingerprint:      dc.TLSFingerprint,
			RenderHTML:          dc.RenderHTML,
		}, app.browser, detector.NewHeuristic(dc.PromotionThreshold), app.logger.Named("direct"))
		if err != nil {
			return nil, fmt.Errorf("direct backend init failed: %w", err)
		}
		app.logger.Info("using direct backend",
			zap.String("render_html", dc.RenderHTML),
			zap.String("tls_fingerprint", dc.TLSFingerprint),
		)
		return backend, nil
	default:
		uc := app.cfg.Backend.Unlocker
		client, err := unlocker.New(unlocker.Config{
			BaseURL: uc.BaseURL,
			Token:   uc.Token,
			Actor:   uc.Actor,
			Timeout: uc.Timeout,
		}, nil, app.logger.Named("unlocker"))
		if err != nil {
			return nil, fmt.Errorf("unlocker backend init failed: %w", err)
		}
		app.logger.Info("using unlocker backend", zap.String("base_url", uc.BaseURL), zap.String("actor", uc.Actor))
		return client, nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, attempt audit log disabled")
		return nil
	}
	store, err := pgstore.NewAttemptStore(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		Table:           app.cfg.DB.Table,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("attempt store init failed: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return fmt.Errorf("attempt store schema failed: %w", err)
	}
	app.attempts = store
	app.logger.Info("attempt store initialized", zap.String("table", app.cfg.DB.Table))
	return nil
}

func setupStorage(ctx context.Context, app *App) (scrape.BlobStore, error) {
	sc := app.cfg.Storage
	switch sc.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.GCS.Bucket, Prefix: sc.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", sc.GCS.Bucket))
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.localBlobs = blobStore
		app.logger.Debug("local storage backend", zap.String("path", sc.Local.BaseDir))
		return blobStore, nil
	case "r2":
		app.logger.Info("using R2 storage backend")
		blobStore, err := r2storage.New(r2storage.Config{
			AccountID:       sc.R2.AccountID,
			Endpoint:        sc.R2.Endpoint,
			AccessKeyID:     sc.R2.AccessKeyID,
			SecretAccessKey: sc.R2.SecretAccessKey,
			Bucket:          sc.R2.Bucket,
			Prefix:          sc.R2.Prefix,
			PublicBaseURL:   sc.R2.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("r2 blob store init failed: %w", err)
		}
		app.logger.Debug("R2 storage backend", zap.String("bucket", sc.R2.Bucket))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (scrape.Publisher, error) {
	if app.cfg.PubSub.Topic == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher, err = gcppublisher.New(app.pubsubClient, app.cfg.PubSub.Topic, app.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return app.publisher, nil
}

func setupDispatcher(app *App, blobStore scrape.BlobStore, publisher scrape.Publisher) *dispatcher.Dispatcher {
	clock := system.New()
	app.jobs = memorystorage.NewJobStore(app.cfg.Reports.JobTTL, clock)
	app.tasks = queuememory.NewQueue(app.cfg.Reports.QueueDepth)
	cancels := worker.NewRegistry()

	workerCfg := worker.Config{
		JobTimeout: app.cfg.Reports.JobTimeout,
		BlobPrefix: app.cfg.Reports.BlobPrefix,
	}
	app.logger.Info("worker config",
		zap.Int("workers", app.cfg.Reports.Workers),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.Duration("job_ttl", app.cfg.Reports.JobTTL),
	)

	hasher := sha256.New()
	workers := make([]*worker.Worker, 0, app.cfg.Reports.Workers)
	for i := 0; i < app.cfg.Reports.Workers; i++ {
		workers = append(workers, worker.New(worker.Deps{
			Queue:     app.tasks,
			Jobs:      app.jobs,
			Blobs:     blobStore,
			Publisher: publisher,
			Scraper:   app.scraper,
			Hasher:    hasher,
			Clock:     clock,
			Cancels:   cancels,
		}, workerCfg, app.logger.Named("worker").With(zap.Int("index", i))))
	}
	return dispatcher.New(dispatcher.Options{
		Queue:   app.tasks,
		Jobs:    app.jobs,
		IDs:     uuid.New(),
		Clock:   clock,
		Cancels: cancels,
		Workers: workers,
		Logger:  app.logger.Named("dispatcher"),
	})
}
