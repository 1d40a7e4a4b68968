package agreement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

var testHash = bytes.Repeat([]byte{0xab}, DocumentHashSize)

func newTestService(store Store) (*Service, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 10, 31, 15, 0, 0, 0, time.UTC)}
	svc := NewService(store).WithClock(clock.Now)
	n := 0
	svc.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("env-%d", n)
	})
	return svc, clock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func twoPartyParams() CreateParams {
	return CreateParams{
		AgreementID:  "1001",
		Title:        "Closing Agreement",
		DocumentHash: testHash,
		Signers: []SignerParams{
			{Name: "Buyer", Email: "buyer@example.com", WalletAddress: "W1"},
			{Name: "Seller", Email: "seller@example.com", WalletAddress: "W2"},
		},
	}
}

func TestRecordSignature_TwoSignerScenario(t *testing.T) {
	svc, clock := newTestService(NewMemoryStore())
	ctx := context.Background()

	a, err := svc.Create(ctx, twoPartyParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != StatusSent {
		t.Fatalf("expected status %s, got %s", StatusSent, a.Status)
	}

	first := clock.now.Add(-time.Minute)
	a, err = svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "buyer@example.com", WalletAddress: "W1", SignedAt: first})
	if err != nil {
		t.Fatalf("record first: %v", err)
	}
	if a.Status != StatusPartiallySigned {
		t.Fatalf("expected status %s, got %s", StatusPartiallySigned, a.Status)
	}
	if a.CompletedAt != nil {
		t.Fatalf("expected completedAt to stay nil")
	}

	clock.Advance(time.Hour)
	a, err = svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "SELLER@example.com ", WalletAddress: "W2"})
	if err != nil {
		t.Fatalf("record second: %v", err)
	}
	if a.Status != StatusCompleted {
		t.Fatalf("expected status %s, got %s", StatusCompleted, a.Status)
	}
	if a.CompletedAt == nil || !a.CompletedAt.Equal(clock.now) {
		t.Fatalf("expected completedAt %v, got %v", clock.now, a.CompletedAt)
	}
	if a.Signers[1].SignedAt == nil || !a.Signers[1].SignedAt.Equal(clock.now) {
		t.Fatalf("expected zero signedAt to default to clock, got %v", a.Signers[1].SignedAt)
	}
}

func TestRecordSignature_Idempotent(t *testing.T) {
	svc, clock := newTestService(NewMemoryStore())
	ctx := context.Background()

	a, err := svc.Create(ctx, twoPartyParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first := clock.now
	if _, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "buyer@example.com", WalletAddress: "W1", SignedAt: first}); err != nil {
		t.Fatalf("record: %v", err)
	}

	later := first.Add(24 * time.Hour)
	again, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "buyer@example.com", WalletAddress: "W1", SignedAt: later})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Signers[0].SignedAt.Equal(first) {
		t.Fatalf("expected original signedAt %v to be kept, got %v", first, again.Signers[0].SignedAt)
	}
	if again.Status != StatusPartiallySigned {
		t.Fatalf("expected status %s after replay, got %s", StatusPartiallySigned, again.Status)
	}
}

func TestRecordSignature_Errors(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: "missing", Email: "a@example.com", WalletAddress: "W1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	a, err := svc.Create(ctx, twoPartyParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// wallet belongs to the seller, email to the buyer
	_, err = svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "buyer@example.com", WalletAddress: "W2"})
	if !errors.Is(err, ErrSignerNotFound) {
		t.Fatalf("expected ErrSignerNotFound, got %v", err)
	}

	got, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, s := range got.Signers {
		if s.Status != SignerSent {
			t.Fatalf("expected no signer to be marked after mismatch, got %+v", s)
		}
	}
}

func TestRecordSignature_DraftRejected(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()

	params := twoPartyParams()
	params.Draft = true
	a, err := svc.Create(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != StatusDraft {
		t.Fatalf("expected draft, got %s", a.Status)
	}

	if _, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "buyer@example.com", WalletAddress: "W1"}); !errors.Is(err, ErrNotSent) {
		t.Fatalf("expected ErrNotSent, got %v", err)
	}

	sent, err := svc.Send(ctx, a.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Status != StatusSent {
		t.Fatalf("expected sent, got %s", sent.Status)
	}
	if _, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "buyer@example.com", WalletAddress: "W1"}); err != nil {
		t.Fatalf("record after send: %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()

	cases := map[string]func(p *CreateParams){
		"short hash":     func(p *CreateParams) { p.DocumentHash = []byte{1, 2, 3} },
		"no signers":     func(p *CreateParams) { p.Signers = nil },
		"missing wallet": func(p *CreateParams) { p.Signers[0].WalletAddress = " " },
		"missing email":  func(p *CreateParams) { p.Signers[1].Email = "" },
		"duplicate wallet": func(p *CreateParams) {
			p.Signers[1].WalletAddress = p.Signers[0].WalletAddress
		},
	}
	for name, mutate := range cases {
		params := twoPartyParams()
		mutate(&params)
		if _, err := svc.Create(ctx, params); !errors.Is(err, ErrInvalidAgreement) {
			t.Errorf("%s: expected ErrInvalidAgreement, got %v", name, err)
		}
	}
}

func TestRecordSignature_StatusInvariantAnyOrder(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		svc, _ := newTestService(NewMemoryStore())
		params := twoPartyParams()
		params.Signers = append(params.Signers,
			SignerParams{Name: "Agent", Email: "agent@example.com", WalletAddress: "W3"},
			SignerParams{Name: "Escrow", Email: "escrow@example.com", WalletAddress: "W4"},
		)
		a, err := svc.Create(ctx, params)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		// deliveries in random order, with duplicates
		var events []SignerParams
		for _, p := range params.Signers {
			events = append(events, p)
			if rng.Intn(2) == 0 {
				events = append(events, p)
			}
		}
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

		rank := map[Status]int{StatusSent: 0, StatusPartiallySigned: 1, StatusCompleted: 2}
		prev := a.Status
		for _, ev := range events {
			got, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: ev.Email, WalletAddress: ev.WalletAddress})
			if err != nil {
				t.Fatalf("record: %v", err)
			}
			if rank[got.Status] < rank[prev] {
				t.Fatalf("status regressed from %s to %s", prev, got.Status)
			}
			assertStatusInvariant(t, got)
			prev = got.Status
		}
		if prev != StatusCompleted {
			t.Fatalf("expected completed after all deliveries, got %s", prev)
		}
	}
}

func TestRecordSignature_ConcurrentSigners(t *testing.T) {
	store := NewMemoryStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	params := twoPartyParams()
	params.Signers = nil
	for i := 0; i < 16; i++ {
		params.Signers = append(params.Signers, SignerParams{
			Email:         fmt.Sprintf("p%d@example.com", i),
			WalletAddress: fmt.Sprintf("W%d", i),
		})
	}
	a, err := svc.Create(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range params.Signers {
		for dup := 0; dup < 3; dup++ {
			g.Go(func() error {
				got, err := svc.RecordSignature(gctx, SignatureEvent{AgreementID: a.ID, Email: p.Email, WalletAddress: p.WalletAddress})
				if err != nil {
					return err
				}
				if DeriveStatus(got.Status, got.Signers) != got.Status {
					return fmt.Errorf("inconsistent snapshot: %s", got.Status)
				}
				return nil
			})
		}
		g.Go(func() error {
			snap, err := store.Get(gctx, a.ID)
			if err != nil {
				return err
			}
			if DeriveStatus(snap.Status, snap.Signers) != snap.Status {
				return fmt.Errorf("reader observed inconsistent status %s", snap.Status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent record: %v", err)
	}

	final, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusCompleted || final.CompletedAt == nil {
		t.Fatalf("expected completed with completedAt, got %s %v", final.Status, final.CompletedAt)
	}
}

func TestBuildVerification(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.BuildVerification(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	a, err := svc.Create(ctx, twoPartyParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.RecordSignature(ctx, SignatureEvent{AgreementID: a.ID, Email: "buyer@example.com", WalletAddress: "W1"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec, err := svc.BuildVerification(ctx, a.ID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rec.AgreementID != "1001" || rec.EnvelopeID != a.ID {
		t.Fatalf("unexpected ids: %+v", rec)
	}
	if !bytes.Equal(rec.DocumentHash, testHash) {
		t.Fatalf("expected document hash to be carried through")
	}
	if len(rec.Signatures) != 2 || !rec.Signatures[0].Signed || rec.Signatures[1].Signed {
		t.Fatalf("unexpected signatures: %+v", rec.Signatures)
	}
	if rec.Signatures[0].WalletAddress != "W1" || rec.Signatures[1].WalletAddress != "W2" {
		t.Fatalf("expected signer order to be preserved: %+v", rec.Signatures)
	}
	if rec.AllSigned() {
		t.Fatalf("expected AllSigned to be false")
	}

	// the record is a snapshot, later writes do not leak into it
	rec.DocumentHash[0] = 0x00
	again, _ := svc.Get(ctx, a.ID)
	if again.DocumentHash[0] != 0xab {
		t.Fatalf("expected stored hash to be isolated from record mutation")
	}
}

func assertStatusInvariant(t *testing.T, a Agreement) {
	t.Helper()
	completed := 0
	for _, s := range a.Signers {
		if s.Status == SignerCompleted {
			completed++
		}
	}
	switch {
	case completed == len(a.Signers):
		if a.Status != StatusCompleted {
			t.Fatalf("all signed but status %s", a.Status)
		}
	case completed > 0:
		if a.Status != StatusPartiallySigned {
			t.Fatalf("%d of %d signed but status %s", completed, len(a.Signers), a.Status)
		}
	default:
		if a.Status != StatusSent {
			t.Fatalf("none signed but status %s", a.Status)
		}
	}
}
