package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// OpenOptions selects a backend and optional cache for Open.
type OpenOptions struct {
	Driver     string // memory, postgres or sqlite
	DSN        string
	SQLitePath string
	Migrate    bool
	RedisURL   string
	CacheTTL   time.Duration
}

// Open builds the configured store. The returned cleanup releases every
// connection Open created and is safe to call once even on error paths.
func Open(ctx context.Context, opts OpenOptions) (Store, func(), error) {
	var (
		st      Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch opts.Driver {
	case "", "memory":
		slog.Warn("using in-memory store (data will not persist)")
		st = NewMemoryStore()

	case "postgres":
		pool, err := pgxpool.New(ctx, opts.DSN)
		if err != nil {
			return nil, closeAll, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, closeAll, fmt.Errorf("database ping failed: %w", err)
		}
		ps := NewPostgresStore(pool)
		if opts.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				return nil, closeAll, err
			}
		}
		st = ps
		slog.Info("connected to PostgreSQL")

	case "sqlite":
		if dir := filepath.Dir(opts.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, closeAll, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, closeAll, err
		}
		if sqlDB, err := db.DB(); err == nil {
			cleanup = append(cleanup, func() { sqlDB.Close() })
		}
		ss := NewSQLStore(db)
		if opts.Migrate {
			if err := ss.Migrate(); err != nil {
				return nil, closeAll, err
			}
		}
		st = ss
		slog.Info("opened SQLite store", "path", opts.SQLitePath)

	default:
		return nil, closeAll, fmt.Errorf("unknown store driver %q", opts.Driver)
	}

	// Wrap with Redis read-through cache if configured.
	if opts.RedisURL != "" {
		ropt, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(ropt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = NewCachedStore(st, rdb, opts.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", opts.CacheTTL)
	}

	return st, closeAll, nil
}
