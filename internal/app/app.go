// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/feedcache/internal/api"
	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/config"
	"github.com/JakeFAU/feedcache/internal/feed"
	"github.com/JakeFAU/feedcache/internal/ingest"
	"github.com/JakeFAU/feedcache/internal/llm"
	"github.com/JakeFAU/feedcache/internal/logging"
	"github.com/JakeFAU/feedcache/internal/metrics"
	"github.com/JakeFAU/feedcache/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/feedcache/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/feedcache/internal/publisher/pubsub"
	"github.com/JakeFAU/feedcache/internal/scrape"
	"github.com/JakeFAU/feedcache/internal/storage/gcs"
	"github.com/JakeFAU/feedcache/internal/storage/local"
	"github.com/JakeFAU/feedcache/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

type publisher interface {
	cache.Publisher
	io.Closer
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	clientOptions []option.ClientOption
}

// WithLogger uses logger instead of building one from the logging section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClientOptions passes Google Cloud client options to the GCS mirror and
// the Pub/Sub notifier.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.clientOptions = append(o.clientOptions, opts...) }
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *cache.Store
	service   *ingest.Service
	server    *api.Server
	browser   *scrape.Chromedp
	mirror    io.Closer
	publisher publisher
	shutdown  telemetry.Shutdown

	closeOnce sync.Once
	closeErr  error
}

// New creates every service described by cfg. It fails fast when a
// configured backend cannot be initialized; resources created before the
// failure are released.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			File:        cfg.Logging.File,
			MaxSizeMB:   cfg.Logging.MaxSizeMB,
			MaxBackups:  cfg.Logging.MaxBackups,
			MaxAgeDays:  cfg.Logging.MaxAgeDays,
			Compress:    cfg.Logging.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	cfg.Normalize(logger)

	a := &App{cfg: cfg, logger: logger, shutdown: func(context.Context) error { return nil }}
	if err := a.init(ctx, o); err != nil {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("cleanup after failed init", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, o options) error {
	cfg := a.cfg
	logger := a.logger
	logger.Info("initializing application services")

	metrics.Init()
	shutdown, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.shutdown = shutdown

	for _, dir := range []string{cfg.Paths.FeedsDir, cfg.Paths.PagesDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	storeOpts := []cache.Option{cache.WithHeadlineTTL(cfg.Cache.HeadlineTTL)}
	blob, err := a.openMirror(ctx, o.clientOptions)
	if err != nil {
		return err
	}
	if blob != nil {
		storeOpts = append(storeOpts, cache.WithMirror(blob, cfg.Storage.Prefix))
	}
	pub, err := a.openPublisher(ctx, o.clientOptions)
	if err != nil {
		return err
	}
	if pub != nil {
		a.publisher = pub
		storeOpts = append(storeOpts, cache.WithPublisher(pub, cfg.Notify.Topic))
	}
	a.store = cache.NewStore(cfg.Paths.PagesDir, logger, storeOpts...)

	limiter := ratelimit.New(cfg.Fetch.RateLimit)
	engine := feed.New(cfg.Fetch.Engine(), nil, limiter, logger)
	client := llm.New(cfg.LLM.Client(), nil, logger)
	if !client.Configured() {
		logger.Info("language model not configured, headline enrichment is off")
	}

	svc, err := ingest.New(ingest.Config{
		FeedsDir:  cfg.Paths.FeedsDir,
		Builder:   cfg.Cache.Builder(),
		Headlines: cfg.Headlines.Processor(cfg.Cache.MaxPerSource),
		Watcher:   cfg.Watcher.Options(),
		Schedule:  cfg.Schedule.Ingest(cfg.Headlines.Enabled),
	}, ingest.Deps{
		Store:     a.store,
		Fetcher:   engine,
		Scraper:   a.newScraper(limiter),
		Extractor: client,
		Rewriter:  client,
	}, logger)
	if err != nil {
		return fmt.Errorf("init ingestion: %w", err)
	}
	a.service = svc

	if cfg.Server.Enabled {
		a.server = api.NewServer(svc, a.store, api.Config{
			APIKey:         cfg.Server.APIKey,
			FeedsDir:       cfg.Paths.FeedsDir,
			RequestTimeout: cfg.Server.RequestTimeout,
		}, logger)
	}

	logger.Info("application services initialized",
		zap.String("feeds_dir", cfg.Paths.FeedsDir),
		zap.String("pages_dir", cfg.Paths.PagesDir),
		zap.String("mirror", cfg.Storage.Mirror),
		zap.String("notify", cfg.Notify.Backend),
		zap.String("scrape_mode", cfg.Scrape.Mode))
	return nil
}

func (a *App) openMirror(ctx context.Context, clientOpts []option.ClientOption) (cache.BlobStore, error) {
	switch a.cfg.Storage.Mirror {
	case config.BackendLocal:
		blob, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local mirror: %w", err)
		}
		a.logger.Info("mirroring cache files to local directory", zap.String("dir", a.cfg.Storage.LocalDir))
		return blob, nil
	case config.BackendGCS:
		blob, err := gcs.Open(ctx, gcs.Config{
			Bucket:       a.cfg.Storage.GCSBucket,
			CacheControl: a.cfg.Storage.CacheControl,
		}, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("init gcs mirror: %w", err)
		}
		a.mirror = blob
		a.logger.Info("mirroring cache files to gcs", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blob, nil
	default:
		return nil, nil
	}
}

func (a *App) openPublisher(ctx context.Context, clientOpts []option.ClientOption) (publisher, error) {
	switch a.cfg.Notify.Backend {
	case config.BackendMemory:
		return memorypublisher.New(a.cfg.Notify.Capacity), nil
	case config.BackendPubSub:
		pub, err := pubsubpublisher.Open(ctx, pubsubpublisher.Config{
			ProjectID: a.cfg.Notify.ProjectID,
			Topic:     a.cfg.Notify.Topic,
		}, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("init pubsub notifier: %w", err)
		}
		a.logger.Info("publishing cache updates", zap.String("topic", a.cfg.Notify.Topic))
		return pub, nil
	default:
		return nil, nil
	}
}

// newScraper wires the renderers the scrape mode needs. A browser that cannot
// be prepared leaves the static renderer as the only path.
func (a *App) newScraper(limiter *ratelimit.Limiter) *scrape.Service {
	cfg := a.cfg.Scrape
	var browser, static scrape.Renderer
	if cfg.Enabled {
		static = scrape.NewColly(cfg, nil, a.logger)
		if cfg.Mode != scrape.ModeStatic {
			chrome, err := scrape.NewChromedp(cfg)
			if err != nil {
				a.logger.Warn("headless renderer init failed, using static fetches", zap.Error(err))
			} else {
				a.browser = chrome
				browser = chrome
			}
		}
	}
	return scrape.NewService(cfg, browser, static, limiter, a.logger)
}

// Config returns the normalized configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the cache store.
func (a *App) Store() *cache.Store {
	return a.store
}

// Service returns the ingestion service.
func (a *App) Service() *ingest.Service {
	return a.service
}

// Handler returns the HTTP API, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler()
}

// Close stops background work and releases every client. It is safe to call
// more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.logger.Info("shutting down application services")
		var errs []error
		if a.service != nil {
			if err := a.service.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop ingestion: %w", err))
			}
		}
		if a.browser != nil {
			a.browser.Close()
		}
		if a.publisher != nil {
			if err := a.publisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close notifier: %w", err))
			}
		}
		if a.mirror != nil {
			if err := a.mirror.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close mirror: %w", err))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		// Sync on a terminal returns EINVAL; nothing useful can be done with it.
		_ = a.logger.Sync()
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
