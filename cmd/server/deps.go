package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"

	"github.com/JonMunkholm/bulkimport/internal/config"
	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/jobstore"
	"github.com/JonMunkholm/bulkimport/internal/objectstore"
	"github.com/JonMunkholm/bulkimport/internal/persistence/postgres"
	webmw "github.com/JonMunkholm/bulkimport/internal/web/middleware"
)

// deps holds the collaborators chosen by the configured drivers, plus what
// has to be closed on shutdown.
type deps struct {
	service   core.ServiceDeps
	objects   *objectstore.MemoryStore // set for the memory object store
	rateStore limiter.Store
	checks    []func(context.Context) error
	closers   []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// ready runs every dependency check. Failures are reported as storage
// outages so /readyz answers 503.
func (d *deps) ready(ctx context.Context) error {
	for _, check := range d.checks {
		if err := check(ctx); err != nil {
			return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
		}
	}
	return nil
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	if err := d.setupRecords(ctx, cfg); err != nil {
		return nil, err
	}
	if err := d.setupJobStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := d.setupObjects(ctx, cfg); err != nil {
		return nil, err
	}

	ok = true
	return d, nil
}

// setupRecords picks where imported records and the audit trail go.
func (d *deps) setupRecords(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.Driver == config.DriverMemory {
		slog.Warn("using in-memory record storage; imported data is lost on restart")
		d.service.Upserter = core.NewMemoryUpserter()
		d.service.Audit = core.NewMemoryAuditLog(10000)
		return nil
	}

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return err
	}
	d.closers = append(d.closers, pool.Close)
	d.checks = append(d.checks, pool.Ping)
	logPool(pool)

	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	d.service.Upserter = postgres.NewUpserter(pool)
	d.service.Audit = postgres.NewAuditLog(pool)
	return nil
}

func logPool(pool *pgxpool.Pool) {
	c := pool.Config().ConnConfig
	slog.Info("connected to database", "host", c.Host, "name", c.Database)
}

// setupJobStore picks the job and upload handle store. A Redis store also
// backs the rate limiter so limits hold across instances.
func (d *deps) setupJobStore(ctx context.Context, cfg *config.Config) error {
	if cfg.Redis.Driver != config.DriverRedis {
		d.service.Store = core.NewMemoryStore()
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.closers = append(d.closers, func() { client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	d.checks = append(d.checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	d.service.Store = jobstore.NewRedisStore(client, cfg.Redis.Prefix, cfg.Import.Retention)

	store, err := webmw.NewRedisStore(client, cfg.Redis.Prefix)
	if err != nil {
		slog.Warn("failed to create redis rate limit store, falling back to memory", "error", err)
		return nil
	}
	d.rateStore = store
	return nil
}

// setupObjects picks the object store that receives uploads.
func (d *deps) setupObjects(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage.Driver == config.DriverMemory {
		d.objects = objectstore.NewMemoryStore(cfg.Server.BaseURL()+"/api/imports/objects", cfg.Upload.DefaultMaxSize)
		d.service.Objects = d.objects
		return nil
	}

	opts := []objectstore.MinioOpts{
		objectstore.WithEndpoint(cfg.Storage.Endpoint),
		objectstore.WithBucket(cfg.Storage.Bucket),
		objectstore.WithRegion(cfg.Storage.Region),
		objectstore.WithSSL(cfg.Storage.UseSSL),
		objectstore.WithCreateBucket(),
	}
	if cfg.Storage.AccessKey != "" {
		opts = append(opts, objectstore.WithCredentials(cfg.Storage.AccessKey, cfg.Storage.SecretKey))
	}
	store, err := objectstore.NewMinioStore(ctx, opts...)
	if err != nil {
		return err
	}
	d.checks = append(d.checks, store.Ping)
	d.service.Objects = store
	slog.Info("using object storage", "endpoint", cfg.Storage.Endpoint, "bucket", cfg.Storage.Bucket)
	return nil
}
