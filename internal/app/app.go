// Package app builds the long-lived services of the card crawler from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/api"
	"github.com/mtAerohand/draw/internal/clock/system"
	"github.com/mtAerohand/draw/internal/config"
	"github.com/mtAerohand/draw/internal/confirm"
	"github.com/mtAerohand/draw/internal/crawler"
	"github.com/mtAerohand/draw/internal/draw"
	"github.com/mtAerohand/draw/internal/extractor"
	collyfetcher "github.com/mtAerohand/draw/internal/fetcher/colly"
	"github.com/mtAerohand/draw/internal/id/uuid"
	"github.com/mtAerohand/draw/internal/notify"
	"github.com/mtAerohand/draw/internal/publisher/pubsub"
	"github.com/mtAerohand/draw/internal/reconciler"
	"github.com/mtAerohand/draw/internal/storage/cache"
	"github.com/mtAerohand/draw/internal/storage/gcs"
	"github.com/mtAerohand/draw/internal/storage/local"
	"github.com/mtAerohand/draw/internal/storage/memory"
	"github.com/mtAerohand/draw/internal/storage/postgres"
	"github.com/mtAerohand/draw/internal/storage/sqlite"
)

// Options carries process-level handles that are not part of Config.
type Options struct {
	// Stdin and Stdout back the console confirmer; nil uses the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	// Transport overrides the upstream HTTP transport.
	Transport http.RoundTripper
}

type closer struct {
	name string
	fn   func() error
}

// App holds every wired service.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Staging crawler.Store
	Main    crawler.MainStore
	Loop    *crawler.Loop
	Drawer  *draw.Service
	// Confirmations is set when confirm.mode is api.
	Confirmations *confirm.Registry

	closers []closer
}

// New wires the application. On error every resource opened so far is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			if cerr := a.Close(); cerr != nil {
				logger.Warn("close after failed startup", zap.Error(cerr))
			}
		}
	}()

	if err := a.buildStores(ctx); err != nil {
		return nil, err
	}

	confirmer, err := a.buildConfirmer(opts)
	if err != nil {
		return nil, err
	}
	notifier, err := a.buildNotifier()
	if err != nil {
		return nil, err
	}
	archive, err := a.buildArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		BaseURL:       cfg.Crawler.BaseURL,
		SearchPath:    cfg.Crawler.SearchPath,
		OperationMode: cfg.Crawler.OperationMode,
		Locale:        cfg.Crawler.Locale,
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: !cfg.Crawler.IgnoreRobots,
		Timeout:       cfg.FetchTimeout(),
		Transport:     opts.Transport,
	})
	extract := extractor.New(extractor.Config{BaseURL: cfg.Crawler.BaseURL, Locale: cfg.Crawler.Locale})

	deps := crawler.LoopDeps{
		Fetcher:    fetcher,
		Extractor:  extract,
		Staging:    a.Staging,
		Main:       a.Main,
		Reconciler: reconciler.New(notifier, confirmer, logger.Named("reconciler")),
		Archive:    archive,
		Publisher:  publisher,
		Clock:      system.New(),
		IDs:        uuid.New(),
	}
	a.Loop = crawler.NewLoop(crawler.LoopConfig{
		PageSize:           cfg.Crawler.PageSize,
		Delay:              cfg.Delay(),
		ArchivePrefix:      cfg.Archive.Prefix,
		ArchiveContentType: cfg.Archive.ContentType,
		CommitTopic:        cfg.PubSub.TopicName,
	}, deps, logger.Named("crawler"))

	a.Drawer = draw.New(a.Main, draw.WithLogger(logger))

	logger.Info("application services initialized",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("confirm_mode", cfg.Confirm.Mode),
		zap.Bool("cache", cfg.CacheTTL() > 0),
	)
	return a, nil
}

func (a *App) buildStores(ctx context.Context) error {
	cfg := a.Config
	var main crawler.MainStore
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.addCloser("sqlite", func() error { return sqlite.Close(db) })
		staging, err := sqlite.NewCardStore(ctx, db, cfg.StagingTable())
		if err != nil {
			return fmt.Errorf("staging store: %w", err)
		}
		mainStore, err := sqlite.NewCardStore(ctx, db, cfg.MainTable())
		if err != nil {
			return fmt.Errorf("main store: %w", err)
		}
		a.Staging, main = staging, mainStore
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:      cfg.Storage.PostgresDSN,
			MaxConns: cfg.Storage.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		a.addCloser("postgres", func() error { pool.Close(); return nil })
		staging, err := postgres.NewCardStore(pool, cfg.StagingTable())
		if err != nil {
			return fmt.Errorf("staging store: %w", err)
		}
		mainStore, err := postgres.NewCardStore(pool, cfg.MainTable())
		if err != nil {
			return fmt.Errorf("main store: %w", err)
		}
		for _, s := range []*postgres.CardStore{staging, mainStore} {
			if err := s.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure postgres schema: %w", err)
			}
		}
		a.Staging, main = staging, mainStore
	case config.BackendMemory:
		a.Staging, main = memory.NewCardStore(), memory.NewCardStore()
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}

	if ttl := cfg.CacheTTL(); ttl > 0 {
		main = cache.New(main, ttl)
	}
	a.Main = main
	return nil
}

func (a *App) buildConfirmer(opts Options) (crawler.Confirmer, error) {
	switch a.Config.Confirm.Mode {
	case config.ConfirmConsole:
		in, out := opts.Stdin, opts.Stdout
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		return confirm.NewConsole(in, out, a.Logger), nil
	case config.ConfirmAPI:
		a.Confirmations = confirm.NewRegistry(uuid.New(), system.New(), a.Logger)
		return a.Confirmations, nil
	case config.ConfirmApprove:
		return confirm.NewStatic(true), nil
	case config.ConfirmReject:
		return confirm.NewStatic(false), nil
	default:
		return nil, fmt.Errorf("unsupported confirm mode %q", a.Config.Confirm.Mode)
	}
}

// buildNotifier falls back to logging when no service URL is configured.
// ValidateCredentials reports that case separately for serve.
func (a *App) buildNotifier() (crawler.Notifier, error) {
	cfg := a.Config.Notify
	if !cfg.Enabled || len(cfg.URLs) == 0 {
		return notify.NewLog(a.Logger), nil
	}
	n, err := notify.NewShoutrrr(cfg.URLs, time.Duration(cfg.TimeoutSeconds)*time.Second, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	return n, nil
}

func (a *App) buildArchive(ctx context.Context) (crawler.BlobStore, error) {
	cfg := a.Config.Archive
	switch cfg.Backend {
	case config.ArchiveNone, "":
		return nil, nil
	case config.ArchiveMemory:
		return memory.NewBlobStore(), nil
	case config.ArchiveLocal:
		store, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive: %w", err)
		}
		return store, nil
	case config.ArchiveGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		a.addCloser("gcs", store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.Config.PubSub
	if cfg.TopicName == "" {
		return nil, nil
	}
	pub, err := pubsub.NewFromProject(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("commit publisher: %w", err)
	}
	a.addCloser("pubsub", pub.Close)
	return pub, nil
}

// Ready reports whether the main store answers.
func (a *App) Ready(ctx context.Context) error {
	if _, err := a.Main.Size(ctx); err != nil {
		return fmt.Errorf("main store: %w", err)
	}
	return nil
}

// APIServer builds the HTTP surface over the wired services.
func (a *App) APIServer() *api.Server {
	var confirmations api.Confirmations
	if a.Confirmations != nil {
		confirmations = a.Confirmations
	}
	return api.NewServer(a.Drawer, confirmations, a.Ready, api.Config{
		APIKey:         a.Config.Auth.APIKey,
		RequestTimeout: time.Duration(a.Config.Server.RequestTimeoutSeconds) * time.Second,
	}, a.Logger)
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close releases resources in reverse order of acquisition and joins errors.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
