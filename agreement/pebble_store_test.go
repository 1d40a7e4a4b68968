package agreement

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hashdive/escra-example/storage"
)

func openPebbleStore(t *testing.T, dir string) (*PebbleStore, *storage.Storage) {
	t.Helper()
	kv, err := storage.Open(dir, storage.Options{})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	store, err := NewPebbleStore(kv)
	if err != nil {
		kv.Close()
		t.Fatalf("new store: %v", err)
	}
	return store, kv
}

func TestPebbleStore_RoundTripAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "agreements")
	ctx := context.Background()

	store, kv := openPebbleStore(t, dir)
	svc, _ := newTestService(store)
	a, err := svc.Create(ctx, twoPartyParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	signedAt := time.Date(2024, 10, 31, 14, 0, 0, 0, time.UTC)
	if _, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "buyer@example.com", WalletAddress: "W1", SignedAt: signedAt}); err != nil {
		t.Fatalf("record: %v", err)
	}
	store.Close()
	if err := kv.Close(); err != nil {
		t.Fatalf("close storage: %v", err)
	}

	store, kv = openPebbleStore(t, dir)
	defer kv.Close()
	defer store.Close()

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Status != StatusPartiallySigned {
		t.Fatalf("expected %s, got %s", StatusPartiallySigned, got.Status)
	}
	if !bytes.Equal(got.DocumentHash, testHash) {
		t.Fatalf("document hash did not round-trip")
	}
	if got.Signers[0].SignedAt == nil || !got.Signers[0].SignedAt.Equal(signedAt) {
		t.Fatalf("expected signedAt %v, got %v", signedAt, got.Signers[0].SignedAt)
	}
	if got.Signers[1].SignedAt != nil {
		t.Fatalf("expected unsigned signer to have no signedAt")
	}
}

func TestPebbleStore_ListAndMissing(t *testing.T) {
	ctx := context.Background()
	store, kv := openPebbleStore(t, t.TempDir())
	defer kv.Close()
	defer store.Close()

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Update(ctx, "nope", func(*Agreement) (bool, error) { return true, nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from update, got %v", err)
	}

	svc, clock := newTestService(store)
	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, twoPartyParams()); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		clock.Advance(time.Second)
	}
	// a key outside the agreement prefix must not show up in List
	if err := kv.Set([]byte("other/x"), []byte("junk")); err != nil {
		t.Fatalf("set: %v", err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 agreements, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.Before(list[i-1].CreatedAt) {
			t.Fatalf("expected list ordered by creation time")
		}
	}
}

func TestPebbleStore_UpdateErrorLeavesRecord(t *testing.T) {
	ctx := context.Background()
	store, kv := openPebbleStore(t, t.TempDir())
	defer kv.Close()
	defer store.Close()

	svc, _ := newTestService(store)
	a, err := svc.Create(ctx, twoPartyParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	_, err = store.Update(ctx, a.ID, func(a *Agreement) (bool, error) {
		a.Status = StatusCompleted
		return true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSent {
		t.Fatalf("expected failed update to be discarded, got %s", got.Status)
	}
}
