// handlers.go contains the command implementations behind the cobra
// builders in commands.go.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/agentbridge/internal/auth"
	"github.com/haasonsaas/agentbridge/internal/config"
	"github.com/haasonsaas/agentbridge/internal/dispatch"
	"github.com/haasonsaas/agentbridge/internal/jobs"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/opslock"
	"github.com/haasonsaas/agentbridge/internal/registry"
	"github.com/haasonsaas/agentbridge/internal/runtime"
	"github.com/haasonsaas/agentbridge/internal/server"
	"github.com/haasonsaas/agentbridge/internal/storage"
	"github.com/haasonsaas/agentbridge/internal/tenant"
)

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	metrics, promRegistry := observability.NewMetrics()

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName: "agentbridge",
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	store, blobs, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	janitor := storage.NewJanitor(store, "", logger.Slog())
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer janitor.Stop()

	guard := tenant.NewGuard(store, blobs, logger, tenant.NewMetricsSink(metrics))
	reader := registry.NewReader(guard.Shared(), cfg.Storage.Table)
	tracker := jobs.NewTracker(cfg.Storage.Table, logger, metrics)
	settings := config.NewRuntimeCache(guard.Shared(), cfg.Storage.Table, 0, logger)

	dispatcher := dispatch.New(dispatch.Options{
		Guard:      guard,
		Registry:   reader,
		Jobs:       tracker,
		Runtime:    runtime.NewClient(cfg.Runtime.SyncTimeout),
		Settings:   settings,
		Table:      cfg.Storage.Table,
		Tracer:     tracer,
		Logger:     logger,
		Metrics:    metrics,
		FireWindow: cfg.Runtime.FireWindow,
	})

	srv := server.New(server.Options{
		Addr:       fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Guard:      guard,
		Table:      cfg.Storage.Table,
		Dispatcher: dispatcher,
		Jobs:       tracker,
		Verifier:   auth.NewVerifier(cfg.Auth.Secret),
		Logger:     logger,
		Metrics:    metrics,
		Registry:   promRegistry,
	})
	return srv.ListenAndServe(ctx)
}

func openStores(ctx context.Context, cfg config.Config) (storage.Store, storage.BlobStore, error) {
	var store storage.Store
	switch cfg.Storage.Backend {
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store = s
	default:
		store = storage.NewMemoryStore()
	}

	var blobs storage.BlobStore
	switch cfg.Storage.Blob.Backend {
	case "s3":
		b, err := storage.NewS3BlobStore(ctx, &storage.S3BlobConfig{
			Bucket:          cfg.Storage.Blob.Bucket,
			Region:          cfg.Storage.Blob.Region,
			Endpoint:        cfg.Storage.Blob.Endpoint,
			AccessKeyID:     cfg.Storage.Blob.AccessKey,
			SecretAccessKey: cfg.Storage.Blob.SecretKey,
			UsePathStyle:    cfg.Storage.Blob.PathStyle,
		})
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("open blob store: %w", err)
		}
		blobs = b
	default:
		blobs = storage.NewMemoryBlobStore()
	}
	return store, blobs, nil
}

func runLockAcquire(ctx context.Context, configPath, name, heldBy string, ttl time.Duration) error {
	cfg, mgr, store, err := lockManager(configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if ttl > 0 {
		mgr = lockManagerTTL(cfg, store, ttl)
	}
	if heldBy == "" {
		heldBy = defaultHolder()
	}

	rec, err := mgr.Acquire(ctx, name, heldBy)
	var held *opslock.AlreadyHeldError
	if errors.As(err, &held) {
		printLock(lockOutput{Lock: name, Status: "held", HeldBy: held.HeldBy, ExpiresAt: &held.ExpiresAt})
		return fmt.Errorf("lock %q is already held", name)
	}
	if err != nil {
		return err
	}

	if err := opslock.SaveToken(cfg.Lock.TokenFile, opslock.TokenFile{
		Name:       rec.Name,
		Token:      rec.Token,
		HeldBy:     rec.HeldBy,
		AcquiredAt: rec.AcquiredAt,
		ExpiresAt:  rec.ExpiresAt,
	}); err != nil {
		// The lock is held but the token is gone; release it so it does
		// not dangle until expiry.
		_ = mgr.Release(ctx, name, rec.Token)
		return err
	}
	printLock(lockOutput{Lock: name, Status: "acquired", HeldBy: rec.HeldBy, AcquiredAt: &rec.AcquiredAt, ExpiresAt: &rec.ExpiresAt})
	return nil
}

func runLockRelease(ctx context.Context, configPath, name string) error {
	cfg, mgr, store, err := lockManager(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tf, err := opslock.LoadToken(cfg.Lock.TokenFile)
	if err != nil {
		return fmt.Errorf("no saved token for lock %q: %w", name, err)
	}
	if tf.Name != name {
		return fmt.Errorf("saved token is for lock %q, not %q", tf.Name, name)
	}

	if err := mgr.Release(ctx, name, tf.Token); err != nil {
		return err
	}
	if err := opslock.RemoveToken(cfg.Lock.TokenFile); err != nil {
		return err
	}
	printLock(lockOutput{Lock: name, Status: "released"})
	return nil
}

func runLockStatus(ctx context.Context, configPath, name string) error {
	_, mgr, store, err := lockManager(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := mgr.Inspect(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		printLock(lockOutput{Lock: name, Status: "free"})
		return nil
	}
	if err != nil {
		return err
	}
	printLock(lockOutput{Lock: name, Status: "held", HeldBy: rec.HeldBy, AcquiredAt: &rec.AcquiredAt, ExpiresAt: &rec.ExpiresAt})
	return nil
}

// lockOutput is the one-object-per-command JSON the lock subcommands write
// to stdout, so scripts can parse results instead of scraping prose.
type lockOutput struct {
	Lock       string     `json:"lock"`
	Status     string     `json:"status"`
	HeldBy     string     `json:"heldBy,omitempty"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

func printLock(out lockOutput) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func lockManager(configPath string) (config.Config, *opslock.Manager, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, nil, err
	}
	var store storage.Store
	if cfg.Storage.Backend == "sqlite" {
		s, serr := storage.NewSQLiteStore(cfg.Storage.Path)
		if serr != nil {
			return cfg, nil, nil, fmt.Errorf("open sqlite store: %w", serr)
		}
		store = s
	} else {
		store = storage.NewMemoryStore()
	}
	return cfg, lockManagerTTL(cfg, store, cfg.Lock.TTL), store, nil
}

func lockManagerTTL(cfg config.Config, store storage.Store, ttl time.Duration) *opslock.Manager {
	logger := observability.NewLogger(observability.LogConfig{Level: "warn", Format: "text", Output: os.Stderr})
	guard := tenant.NewGuard(store, storage.NewMemoryBlobStore(), logger, nil)
	return opslock.NewManager(guard.Shared(), cfg.Storage.Table, ttl, logger, nil)
}

func defaultHolder() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return user + "@" + host
}
