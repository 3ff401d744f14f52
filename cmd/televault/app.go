package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/televault/internal/cache"
	"github.com/and161185/televault/internal/config"
	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/limiter"
	"github.com/and161185/televault/internal/logging"
	"github.com/and161185/televault/internal/migrate"
	"github.com/and161185/televault/internal/repository"
	"github.com/and161185/televault/internal/repository/postgres"
	"github.com/and161185/televault/internal/repository/sqlitedb"
	"github.com/and161185/televault/internal/service"
	"github.com/and161185/televault/internal/transport"
	"github.com/and161185/televault/internal/transport/botapi"
	"github.com/and161185/televault/internal/transport/mtproto"
)

// app is the wired core for one command invocation.
type app struct {
	cfg        *config.Config
	watcher    *config.Watcher
	logger     *zap.Logger
	index      repository.Index
	limiter    *limiter.TokenBucket
	transports *transport.Set
	cache      *cache.Cache

	upload   service.UploadService
	download service.DownloadService
	catalog  service.IndexService

	metrics *http.Server
	stop    context.CancelFunc
}

// options are the global flags.
type options struct {
	configPath  string
	envFile     string
	logLevel    string
	metricsAddr string
}

func newApp(ctx context.Context, opts options) (_ *app, err error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, fmt.Errorf("env file %s: %w", opts.envFile, err)
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return nil, err
	}
	logger.Debug("starting", zap.String("version", version), zap.String("build_date", buildDate),
		zap.String("config", opts.configPath))

	index, err := openIndex(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = index.Close()
		}
	}()

	watcher := config.NewWatcher(opts.configPath, cfg, logger)
	lim := limiter.New(cfg.Limiter())
	c := cache.New(cfg.CacheBytes(), cache.DefaultShards)
	set := transport.NewSet(watcher, transport.SetOptions{
		Light:  botapi.Factory(cfg.BotAPIURL, nil, logger),
		Full:   mtproto.Factory(cfg.MaxEmptyWindows, logger),
		Retry:  transport.DefaultRetry(),
		Logger: logger,
	})
	watcher.OnChange(func(next *config.Config) {
		lim.SetLimits(next.RateLimit.PerMinute, next.RateLimit.Burst)
		c.SetMaxBytes(next.CacheBytes())
	})

	a := &app{
		cfg:        cfg,
		watcher:    watcher,
		logger:     logger,
		index:      index,
		limiter:    lim,
		transports: set,
		cache:      c,
		upload: service.NewUploadService(index, lim, set, service.UploadConfig{
			Workers: cfg.UploadWorkers,
			TempDir: cfg.TempDir,
		}, logger),
		download: service.NewDownloadService(index, set, c, logger),
		catalog:  service.NewIndexService(index, set, cfg.RebuildBatch, logger),
	}

	watchCtx, stop := context.WithCancel(ctx)
	a.stop = stop
	go func() {
		if err := watcher.Run(watchCtx); err != nil {
			logger.Debug("config watcher not running", zap.Error(err))
		}
	}()

	if cfg.MetricsAddr != "" {
		if err := a.serveMetrics(cfg.MetricsAddr); err != nil {
			stop()
			return nil, err
		}
	}
	return a, nil
}

// openIndex applies migrations and opens the configured backend.
func openIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Index, error) {
	switch cfg.IndexBackend {
	case config.BackendPostgres:
		if err := migrate.Up(ctx, migrate.Postgres, cfg.IndexDSN); err != nil {
			return nil, fmt.Errorf("migrate index: %w", err)
		}
		db, err := postgres.New(ctx, cfg.IndexDSN)
		if err != nil {
			return nil, err
		}
		return postgres.NewIndex(db), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0o700); err != nil {
			return nil, err
		}
		if err := migrate.Up(ctx, migrate.SQLite, cfg.IndexPath); err != nil {
			return nil, fmt.Errorf("%w: migrate %s: %v", errs.ErrCorruptIndex, cfg.IndexPath, err)
		}
		db, err := sqlitedb.Open(sqlitedb.Config{Path: cfg.IndexPath, Logger: logger})
		if err != nil {
			return nil, err
		}
		return sqlitedb.NewIndex(db), nil
	}
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", zap.Error(err))
		}
	}()
	a.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Close releases everything newApp acquired.
func (a *app) Close() error {
	a.stop()
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
	_ = a.transports.Close()
	err := a.index.Close()
	_ = a.logger.Sync()
	return err
}
