package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationsDir string

func init() {
	if _, file, _, ok := runtime.Caller(0); ok {
		migrationsDir = filepath.Join(filepath.Dir(file), "..", "..", "migrations")
	}
}

// ApplyMigrations runs every .sql file under migrations/ in name order and
// returns a pool bound to the migrated schema. When isolate is true the run
// gets its own schema which the returned teardown drops.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 32
	cfg.MaxConnIdleTime = 30 * time.Second

	teardown := func(context.Context) error { return nil }

	if isolate {
		ident := pgx.Identifier{fmt.Sprintf("escra_run_%d", time.Now().UnixNano())}.Sanitize()
		if err := execOnce(ctx, dsn, "CREATE SCHEMA "+ident); err != nil {
			return nil, nil, fmt.Errorf("create schema: %w", err)
		}
		// public stays on the path for gen_random_uuid and friends
		setPath := fmt.Sprintf("SET search_path TO %s, public", ident)
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}
		teardown = func(ctx context.Context) error {
			return execOnce(ctx, dsn, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	files, err := migrationFiles()
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("read %s: %w", filepath.Base(f), err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply %s: %w", filepath.Base(f), err)
		}
	}

	return pool, teardown, nil
}

func migrationFiles() ([]string, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, filepath.Join(migrationsDir, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations under %s", migrationsDir)
	}
	return files, nil
}

func execOnce(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}
