package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated database for one test run: either a throwaway
// container or an isolated schema inside a shared database.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness provisions Postgres and applies migrations. overrideDSN may be empty.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	pgC, dsn, shared, err := StartPostgres(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, err
	}

	return &Harness{container: pgC, pool: pool, teardown: teardown}, nil
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close drops the isolated schema, if any, and tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var firstErr error
	if h.teardown != nil {
		firstErr = h.teardown(ctx)
	}
	if err := h.container.Terminate(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Reset truncates every mutable table.
func (h *Harness) Reset(ctx context.Context) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE TABLE outbox, timeline_events, agreement_signers, agreements CASCADE`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
