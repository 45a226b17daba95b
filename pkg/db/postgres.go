package db

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Connect opens a connection pool, waiting for PostgreSQL to come up.
// Dispatch instances are often scheduled before the database in local
// compose setups, so the retry loop is deliberate.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	var pool *pgxpool.Pool
	for i := 0; i < 30; i++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				log.Println("connected to postgres")
				return &DB{Pool: pool}, nil
			}
			pool.Close()
		}
		log.Printf("waiting for postgres... (%d/30)", i+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("postgres: failed after 30 attempts: %w", err)
}

// RunMigrations applies embedded SQL files in lexical order, recording each
// applied version in schema_migrations so reruns are no-ops.
func (d *DB) RunMigrations(ctx context.Context, migrationFS fs.FS) error {
	_, err := d.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ  DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var count int
		_ = d.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version=$1", file).Scan(&count)
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		if _, err = d.Pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("exec %s: %w", file, err)
		}
		if _, err = d.Pool.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", file); err != nil {
			return fmt.Errorf("record %s: %w", file, err)
		}
		log.Printf("applied migration: %s", file)
	}
	return nil
}

// Close shuts down the pool.
func (d *DB) Close() { d.Pool.Close() }
