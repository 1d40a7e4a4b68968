package agreement

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Hashdive/escra-example/test/infra"
)

// TestPGStore_Integration runs the service against a real PostgreSQL reached
// through DATABASE_URL. Migrations are applied into a throwaway schema.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx, dsn)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	pool := h.Pool()

	store := NewPGStore(pool)
	svc, clock := newTestService(store)

	a, err := svc.Create(ctx, twoPartyParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := countRows(ctx, t, pool, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'envelope_id' = $2`, OutboxTopicCreated, a.ID); got != 1 {
		t.Fatalf("expected 1 created outbox message, got %d", got)
	}

	if _, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "buyer@example.com", WalletAddress: "W1"}); err != nil {
		t.Fatalf("record first: %v", err)
	}
	clock.Advance(time.Minute)
	final, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "seller@example.com", WalletAddress: "W2"})
	if err != nil {
		t.Fatalf("record second: %v", err)
	}
	if final.Status != StatusCompleted || final.CompletedAt == nil {
		t.Fatalf("expected completed, got %s", final.Status)
	}

	// replay must not add timeline or outbox rows
	if _, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "seller@example.com", WalletAddress: "W2"}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	stored, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted || len(stored.Signers) != 2 {
		t.Fatalf("unexpected stored agreement: %+v", stored)
	}
	if stored.Signers[0].WalletAddress != "W1" || stored.Signers[0].Status != SignerCompleted {
		t.Fatalf("unexpected first signer: %+v", stored.Signers[0])
	}

	if got := countRows(ctx, t, pool, `SELECT COUNT(*) FROM timeline_events WHERE agreement_id = $1 AND type = 'AGREEMENT_STATUS_CHANGED'`, a.ID); got != 2 {
		t.Fatalf("expected 2 status change events, got %d", got)
	}
	if got := countRows(ctx, t, pool, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'envelope_id' = $2`, OutboxTopicCompleted, a.ID); got != 1 {
		t.Fatalf("expected 1 completed outbox message, got %d", got)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || len(list[0].Signers) != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if list, err := store.List(ctx); err != nil || len(list) != 0 {
		t.Fatalf("expected empty store after reset, got %d (%v)", len(list), err)
	}
}

func countRows(ctx context.Context, t *testing.T, pool *pgxpool.Pool, sql string, args ...any) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
