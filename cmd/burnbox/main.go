// Package main provides the burnbox binary entry point. It loads
// configuration from defaults and BURNBOX_* environment variables, opens the
// index database and blob storage, and serves the JSON API until SIGINT or
// SIGTERM.
//
// The application flow:
//  1. Load and validate configuration (exit 2 on failure).
//  2. Configure the JSON logger at the requested level.
//  3. Prepare the data directory, open the database and run migrations.
//  4. Build blob storage, the record store and the lifecycle service.
//  5. Start the metrics manager and the janitor.
//  6. Serve HTTP, then shut everything down in reverse order.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/cipher"
	"github.com/haukened/burnbox/internal/config"
	"github.com/haukened/burnbox/internal/httpx"
	"github.com/haukened/burnbox/internal/janitor"
	"github.com/haukened/burnbox/internal/metrics"
	"github.com/haukened/burnbox/internal/store"
	"github.com/haukened/burnbox/internal/store/filesystem"
	"github.com/haukened/burnbox/internal/store/s3blob"
	"github.com/haukened/burnbox/internal/store/sqlstore"
)

const shutdownTimeout = 10 * time.Second

// listening is called with the bound address once the server accepts connections.
var listening = func(net.Addr) {}

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ensureDataDir creates dir (and its blobs subdirectory) with owner-only
// permissions and returns the blob directory.
func ensureDataDir(dir string) (string, error) {
	if st, err := os.Stat(dir); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat data directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create data directory: %w", err)
		}
	} else if !st.IsDir() {
		return "", fmt.Errorf("data path %q is not a directory", dir)
	}
	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return "", fmt.Errorf("create blobs directory: %w", err)
	}
	return blobDir, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, *sqlstore.Index, error) {
	db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlstore.Migrate(ctx, db, cfg.Database.Driver); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	idx, err := sqlstore.New(db, cfg.Database.Driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, idx, nil
}

func newBlobStorage(ctx context.Context, cfg *config.Config, blobDir string) (store.BlobStorage, error) {
	if cfg.Blob.Backend == "s3" {
		s3cfg := cfg.Blob.S3
		client, err := s3blob.NewClient(ctx, s3blob.Config{
			Bucket:       s3cfg.Bucket,
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			AccessKey:    s3cfg.AccessKey,
			SecretKey:    s3cfg.SecretKey,
			Prefix:       s3cfg.Prefix,
			UsePathStyle: s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 client: %w", err)
		}
		return s3blob.New(client, s3cfg.Bucket, s3cfg.Prefix)
	}
	return filesystem.New(blobDir)
}

func buildService(cfg *config.Config, st app.RecordStore, clock app.Clock, m app.Metrics) (*app.Service, error) {
	engine, err := cipher.Lookup(cfg.Scheme)
	if err != nil {
		return nil, err
	}
	return &app.Service{
		Store:      st,
		Clock:      clock,
		Cipher:     engine,
		Metrics:    m,
		KeyLength:  cfg.KeyLength,
		MaxBytes:   cfg.MaxBytes,
		MinTTL:     cfg.MinTTL,
		MaxTTL:     cfg.MaxTTL,
		DefaultTTL: cfg.DefaultTTL,
	}, nil
}

func buildHandler(cfg *config.Config, svc httpx.ServicePort, st *store.Store, mgr *metrics.Manager) http.Handler {
	h := httpx.New(svc, cfg.MaxBytes, st.Ping)
	h.DefaultPolicy = cfg.DefaultPolicy
	if mgr != nil {
		h.Metrics = metrics.Handler(mgr, cfg.Metrics.Token)
	}
	return h.Router()
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	blobDir, err := ensureDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	db, idx, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	blobs, err := newBlobStorage(ctx, cfg, blobDir)
	if err != nil {
		return fmt.Errorf("init blob storage: %w", err)
	}
	st := store.New(idx, blobs, cfg.InlineMax, log)
	clock := realClock{}

	mgr := metrics.New(db, metrics.Config{FlushInterval: cfg.Metrics.FlushInterval, Driver: cfg.Database.Driver, Logger: log})
	mgr.Start(ctx)

	svc, err := buildService(cfg, st, clock, mgr)
	if err != nil {
		mgr.Stop(context.Background())
		return err
	}

	jan := janitor.New(st, mgr, janitor.Config{Interval: cfg.JanitorInterval, Clock: clock, Logger: log})
	jan.Start(ctx)

	srv := newServer(cfg, buildHandler(cfg, svc, st, mgr))
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		jan.Stop()
		mgr.Stop(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("starting server", "domain", "main", "addr", ln.Addr().String(), "pid", os.Getpid(),
		"driver", cfg.Database.Driver, "blob_backend", cfg.Blob.Backend, "scheme", cfg.Scheme)
	listening(ln.Addr())
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down", "domain", "main")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
		log.Error("http shutdown", "domain", "main", "err", sErr)
	}
	jan.Stop()
	mgr.Stop(shutdownCtx)
	return err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(2)
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error("server error", "domain", "main", "err", err)
		stop()
		os.Exit(1)
	}
}
