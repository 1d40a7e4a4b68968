package esign

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Hashdive/escra-example/agreement"
)

const envelopeJSON = `{
  "envelopeId": "env-1",
  "status": "completed",
  "customFields": {"textCustomFields": [{"name": "agreementId", "value": " 42 "}]},
  "recipients": {"signers": [
    {"name": "Buyer", "email": "buyer@example.com", "status": "completed",
     "signedDateTime": "2024-10-31T14:00:00Z",
     "tabs": {"textTabs": [{"tabLabel": "walletAddress", "value": "W1"}]}},
    {"name": "Seller", "email": "seller@example.com", "status": "sent", "tabs": {}}
  ]}
}`

func TestClient_GetEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2.1/accounts/acct-9/envelopes/env-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("include"); got != "custom_fields,recipients,tabs" {
			t.Errorf("unexpected include %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.Write([]byte(envelopeJSON))
	}))
	defer srv.Close()

	env, err := NewClient(srv.URL, "acct-9", StaticTokenSource("tok")).GetEnvelope(context.Background(), "env-1")
	if err != nil {
		t.Fatalf("get envelope: %v", err)
	}
	if id, ok := env.CustomField(DefaultAgreementField); !ok || id != "42" {
		t.Fatalf("expected agreement id 42, got %q", id)
	}
	if len(env.Recipients.Signers) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(env.Recipients.Signers))
	}
	buyer := env.Recipients.Signers[0]
	if w, ok := buyer.FormField(DefaultWalletField); !ok || w != "W1" || !buyer.Completed() {
		t.Fatalf("unexpected buyer %+v", buyer)
	}
	if buyer.SignedDateTime == nil || !buyer.SignedDateTime.Equal(time.Date(2024, 10, 31, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected signed time %v", buyer.SignedDateTime)
	}
	if _, ok := env.Recipients.Signers[1].FormField(DefaultWalletField); ok {
		t.Fatalf("expected seller to have no wallet tab")
	}
}

type invalidatingSource struct {
	invalidated bool
}

func (s *invalidatingSource) Token(context.Context) (string, error) { return "stale", nil }

func (s *invalidatingSource) Invalidate() { s.invalidated = true }

func TestClient_GetEnvelopeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2.1/accounts/a/envelopes/missing":
			http.NotFound(w, r)
		case "/v2.1/accounts/a/envelopes/denied":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	src := &invalidatingSource{}
	c := NewClient(srv.URL, "a", src)
	if _, err := c.GetEnvelope(context.Background(), "missing"); !errors.Is(err, ErrEnvelopeNotFound) {
		t.Fatalf("expected ErrEnvelopeNotFound, got %v", err)
	}
	if _, err := c.GetEnvelope(context.Background(), "denied"); !errors.Is(err, ErrProvider) || !src.invalidated {
		t.Fatalf("expected provider error and invalidated token, got %v", err)
	}
	if _, err := c.GetEnvelope(context.Background(), "other"); !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}

func TestLocalProvider_ProjectsAgreement(t *testing.T) {
	store := agreement.NewMemoryStore()
	svc := agreement.NewService(store)
	ctx := context.Background()
	hash := make([]byte, agreement.DocumentHashSize)
	a, err := svc.Create(ctx, agreement.CreateParams{
		AgreementID:  "7",
		DocumentHash: hash,
		Signers:      []agreement.SignerParams{{Name: "B", Email: "b@example.com", WalletAddress: "WB"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p := NewLocalProvider(store)
	env, err := p.GetEnvelope(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if id, _ := env.CustomField(DefaultAgreementField); id != "7" {
		t.Fatalf("expected agreement field 7, got %q", id)
	}
	if w, _ := env.Recipients.Signers[0].FormField(DefaultWalletField); w != "WB" {
		t.Fatalf("expected wallet WB, got %q", w)
	}
	if _, err := p.GetEnvelope(ctx, "nope"); !errors.Is(err, ErrEnvelopeNotFound) {
		t.Fatalf("expected ErrEnvelopeNotFound, got %v", err)
	}
}
