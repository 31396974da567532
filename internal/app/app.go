// Package app initializes and holds long-lived crawler services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/clock/system"
	"github.com/KANgetuL/xiaohongshu/internal/config"
	"github.com/KANgetuL/xiaohongshu/internal/crawler"
	"github.com/KANgetuL/xiaohongshu/internal/extract"
	collyfetcher "github.com/KANgetuL/xiaohongshu/internal/fetcher/colly"
	"github.com/KANgetuL/xiaohongshu/internal/hash/sha256"
	"github.com/KANgetuL/xiaohongshu/internal/id/uuid"
	"github.com/KANgetuL/xiaohongshu/internal/metrics"
	"github.com/KANgetuL/xiaohongshu/internal/policy/ratelimit"
	"github.com/KANgetuL/xiaohongshu/internal/publisher/pubsub"
	"github.com/KANgetuL/xiaohongshu/internal/session"
	"github.com/KANgetuL/xiaohongshu/internal/storage/gcs"
	"github.com/KANgetuL/xiaohongshu/internal/storage/local"
	"github.com/KANgetuL/xiaohongshu/internal/storage/memory"
	"github.com/KANgetuL/xiaohongshu/internal/storage/postgres"
	"github.com/KANgetuL/xiaohongshu/internal/telemetry"
)

// BrowserFactory launches the browser a session drives.
type BrowserFactory func(cfg session.ChromeConfig, logger *zap.Logger) (session.Browser, error)

func chromeFactory(cfg session.ChromeConfig, logger *zap.Logger) (session.Browser, error) {
	return session.NewChromeBrowser(cfg, logger)
}

// Option customizes App construction.
type Option func(*App)

// WithBrowserFactory replaces Chrome, mainly for tests.
func WithBrowserFactory(f BrowserFactory) Option {
	return func(a *App) {
		if f != nil {
			a.newBrowser = f
		}
	}
}

type closer struct {
	name string
	fn   func() error
}

// App holds the shared services of one process: storage backends, the
// optional note index and event publisher, and the browser session once opened.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	blobs      crawler.BlobStore
	notes      *postgres.NoteStore
	publisher  *pubsub.Publisher
	newBrowser BrowserFactory
	closers    []closer

	mu         sync.RWMutex
	controller *session.Controller
	engine     *crawler.Engine
}

// New builds the storage, index and publishing backends named by cfg. It
// fails fast when a configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, newBrowser: chromeFactory}
	for _, opt := range opts {
		opt(a)
	}
	logger.Info("Initializing application services", zap.String("storage", cfg.Storage.Backend))

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, closer{"tracing", func() error {
		return tp.Shutdown(context.Background())
	}})

	if err := a.openBlobs(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	if cfg.DB.DSN != "" {
		store, err := postgres.New(ctx, cfg.DB)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("failed to initialize note index: %w", err)
		}
		a.closers = append(a.closers, closer{"postgres", func() error { store.Close(); return nil }})
		if err := store.EnsureSchema(ctx); err != nil {
			a.closeAll()
			return nil, fmt.Errorf("failed to prepare note index: %w", err)
		}
		a.notes = store
		logger.Info("Note index enabled", zap.String("table", cfg.DB.NotesTable))
	}

	if cfg.PublishingEnabled() {
		pub, err := pubsub.Open(ctx, cfg.PubSub, logger)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("failed to initialize publisher: %w", err)
		}
		a.closers = append(a.closers, closer{"pubsub", pub.Close})
		a.publisher = pub
		logger.Info("Note events enabled", zap.String("topic", cfg.PubSub.TopicID))
	}

	return a, nil
}

func (a *App) openBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendLocal, "":
		store, err := local.New(a.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("failed to initialize local storage: %w", err)
		}
		a.blobs = store
		a.logger.Info("Using local storage", zap.String("dir", store.BaseDir()))
	case config.BackendMemory:
		a.blobs = memory.NewBlobStore()
		a.logger.Warn("Using memory storage; results are discarded on exit")
	case config.BackendGCS:
		store, err := gcs.Open(ctx, a.cfg.Storage.GCS, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize gcs storage: %w", err)
		}
		a.closers = append(a.closers, closer{"gcs", store.Close})
		a.blobs = store
		a.logger.Info("Using GCS storage", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	default:
		return fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
	return nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Blobs returns the configured blob store.
func (a *App) Blobs() crawler.BlobStore {
	return a.blobs
}

// NewExtractor builds the page parser for the configured site.
func (a *App) NewExtractor() *extract.Extractor {
	cfg := extract.DefaultConfig()
	cfg.BaseURL = a.cfg.SiteLayout().BaseURL
	return extract.New(cfg, a.logger.Named("extract"))
}

// OpenSession launches the browser and starts a session controller. The
// session is closed by Close.
func (a *App) OpenSession(ctx context.Context) (*session.Controller, error) {
	browser, err := a.newBrowser(a.cfg.Chrome, a.logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	site := a.cfg.SiteLayout()
	ctrl := session.New(a.cfg.ControllerConfig(), browser,
		session.NewCookieStore(a.cfg.Session.CookieFile, site.CookieDomain),
		session.WithLogger(a.logger.Named("session")),
		session.WithPacer(ratelimit.New(a.cfg.NavigationLimits())),
		session.WithClock(system.New()),
	)
	if err := ctrl.Start(ctx); err != nil {
		if cerr := ctrl.Close(); cerr != nil {
			a.logger.Warn("Closing browser after failed start", zap.Error(cerr))
		}
		return nil, err
	}
	a.mu.Lock()
	a.controller = ctrl
	a.mu.Unlock()
	a.closers = append(a.closers, closer{"session", ctrl.Close})
	return ctrl, nil
}

// NewEngine wires the crawl pipeline around nav.
func (a *App) NewEngine(nav crawler.Navigator) *crawler.Engine {
	downloader := collyfetcher.New(
		a.cfg.DownloaderConfig(),
		crawler.NewRetryPolicy(a.cfg.Download.Retry),
		ratelimit.New(a.cfg.DownloadLimits()),
		a.logger.Named("download"),
	)
	// Optional backends stay nil interfaces so the sink can skip them.
	var notes crawler.NoteStore
	if a.notes != nil {
		notes = a.notes
	}
	var publisher crawler.Publisher
	if a.publisher != nil {
		publisher = a.publisher
	}
	clock := system.New()
	sink := crawler.NewCollectionSink(a.cfg.CollectionConfig(), a.blobs, downloader, sha256.New(),
		notes, publisher, clock, a.logger.Named("sink"))
	engine := crawler.NewEngine(a.cfg.EngineConfig(), a.cfg.SiteLayout(), nav, a.NewExtractor(),
		extract.NewRelevance(a.cfg.Relevance.Synonyms), sink, clock, uuid.New(), a.logger.Named("engine"))
	a.mu.Lock()
	a.engine = engine
	a.mu.Unlock()
	return engine
}

// Session returns the open session, or nil.
func (a *App) Session() *session.Controller {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.controller
}

// Engine returns the most recently built engine, or nil.
func (a *App) Engine() *crawler.Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine
}

// SessionState snapshots the open session.
func (a *App) SessionState() (session.State, bool) {
	ctrl := a.Session()
	if ctrl == nil {
		return session.State{}, false
	}
	return ctrl.State(), true
}

// Notes returns the notes stored by the current engine.
func (a *App) Notes() []crawler.StoredNote {
	if e := a.Engine(); e != nil {
		return e.Collected()
	}
	return nil
}

// LastReport returns the report of the engine's last finished run.
func (a *App) LastReport() (crawler.Report, bool) {
	if e := a.Engine(); e != nil {
		return e.LastReport()
	}
	return crawler.Report{}, false
}

// Close shuts services down in reverse order of creation.
func (a *App) Close() error {
	a.logger.Info("Shutting down application services")
	err := a.closeAll()
	// Sync fails on terminals; nothing useful can be done about it.
	_ = a.logger.Sync()
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("Error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
