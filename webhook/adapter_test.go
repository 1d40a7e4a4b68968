package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/Hashdive/escra-example/agreement"
	"github.com/Hashdive/escra-example/chain"
	"github.com/Hashdive/escra-example/esign"
)

const testSecret = "whsec-test"

type fakeFetcher struct {
	envelopes map[string]esign.Envelope
	calls     int
	panicMsg  string
}

func (f *fakeFetcher) GetEnvelope(_ context.Context, id string) (esign.Envelope, error) {
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	env, ok := f.envelopes[id]
	if !ok {
		return esign.Envelope{}, esign.ErrEnvelopeNotFound
	}
	return env, nil
}

type fakeSubmitter struct {
	calls  int
	result chain.Result
}

func (f *fakeSubmitter) Submit(_ context.Context, _ string, _ agreement.VerificationRecord) chain.Result {
	f.calls++
	return f.result
}

type fixture struct {
	svc     *agreement.Service
	ledger  *chain.LocalLedger
	fetcher *fakeFetcher
	adapter *Adapter
	env     agreement.Agreement
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ledger := chain.NewLocalLedger("ADMIN")
	pipeline := chain.NewPipeline(ledger).WithRetryPolicy(chain.RetryPolicy{MaxAttempts: 1, CallTimeout: time.Second})
	hash := bytes.Repeat([]byte{0x11}, agreement.DocumentHashSize)
	id, err := pipeline.Register(ctx, "ADMIN", hash, "escra-demo", []string{"W1", "W2"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	svc := agreement.NewService(agreement.NewMemoryStore())
	a, err := svc.Create(ctx, agreement.CreateParams{
		ID:           "e1",
		AgreementID:  strconv.FormatUint(id, 10),
		DocumentHash: hash,
		Signers: []agreement.SignerParams{
			{Name: "Buyer", Email: "buyer@example.com", WalletAddress: "W1"},
			{Name: "Seller", Email: "seller@example.com", WalletAddress: "W2"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fetcher := &fakeFetcher{envelopes: map[string]esign.Envelope{}}
	adapter := NewAdapter(Config{Secret: testSecret, Verifier: "ADMIN"}, svc, fetcher, pipeline)
	return &fixture{svc: svc, ledger: ledger, fetcher: fetcher, adapter: adapter, env: a}
}

func completedEnvelope(agreementID string, withWallets bool) esign.Envelope {
	signed := time.Date(2024, 10, 31, 14, 0, 0, 0, time.UTC)
	env := esign.Envelope{
		EnvelopeID: "e1",
		Status:     "completed",
		CustomFields: esign.CustomFields{TextCustomFields: []esign.CustomField{
			{Name: esign.DefaultAgreementField, Value: agreementID},
		}},
	}
	for _, s := range []struct{ email, wallet string }{{"buyer@example.com", "W1"}, {"seller@example.com", "W2"}} {
		r := esign.Recipient{Email: s.email, Status: esign.RecipientCompleted, SignedDateTime: &signed}
		if withWallets {
			r.Tabs.TextTabs = []esign.Tab{{TabLabel: esign.DefaultWalletField, Value: s.wallet}}
		}
		env.Recipients.Signers = append(env.Recipients.Signers, r)
	}
	return env
}

func signedBody(body string) ([]byte, string) {
	b := []byte(body)
	return b, Sign(testSecret, b)
}

func TestHandle_CompletedEnvelopeExecutesOnChain(t *testing.T) {
	f := newFixture(t)
	f.fetcher.envelopes["e1"] = completedEnvelope(f.env.AgreementID, true)

	body, sig := signedBody(`{"event":"document-completed","envelopeId":"e1"}`)
	ack := f.adapter.Handle(context.Background(), body, sig)
	if ack.Status != http.StatusOK || !ack.Success {
		t.Fatalf("expected 200 success, got %+v", ack)
	}
	if ack.Result == nil || ack.Result.Stage != chain.StageAgreementExecuted {
		t.Fatalf("expected executed result, got %+v", ack.Result)
	}

	a, _ := f.svc.Get(context.Background(), "e1")
	if a.Status != agreement.StatusCompleted {
		t.Fatalf("expected agreement completed, got %s", a.Status)
	}
	id, _ := chain.ParseAgreementID(f.env.AgreementID)
	entry, _ := f.ledger.Lookup(id)
	if entry.Status != chain.LedgerExecuted {
		t.Fatalf("expected ledger executed, got %s", entry.Status)
	}

	// provider redelivery is harmless
	again := f.adapter.Handle(context.Background(), body, sig)
	if !again.Success || again.Result.Execute.TxID != ack.Result.Execute.TxID {
		t.Fatalf("expected redelivery to reuse the execute tx, got %+v", again)
	}
}

func TestHandle_TamperedBodyUnauthorized(t *testing.T) {
	f := newFixture(t)
	_, sig := signedBody(`{"event":"document-completed","envelopeId":"e1"}`)

	ack := f.adapter.Handle(context.Background(), []byte(`{"event":"document-completed","envelopeId":"e2"}`), sig)
	if ack.Status != http.StatusUnauthorized || ack.Error != "Unauthorized" {
		t.Fatalf("expected 401 Unauthorized, got %+v", ack)
	}
	if f.fetcher.calls != 0 {
		t.Fatalf("expected no provider fetch")
	}
}

func TestHandle_MissingSignatureHeader(t *testing.T) {
	f := newFixture(t)
	ack := f.adapter.Handle(context.Background(), []byte(`{"event":"document-completed"}`), "")
	if ack.Status != http.StatusBadRequest || ack.Error != "BadRequest" {
		t.Fatalf("expected 400 BadRequest, got %+v", ack)
	}
}

func TestHandle_MissingAgreementField(t *testing.T) {
	f := newFixture(t)
	env := completedEnvelope("", true)
	env.CustomFields.TextCustomFields = nil
	f.fetcher.envelopes["e1"] = env
	sub := &fakeSubmitter{}
	f.adapter.pipeline = sub

	body, sig := signedBody(`{"event":"document-completed","envelopeId":"e1"}`)
	ack := f.adapter.Handle(context.Background(), body, sig)
	if ack.Status != http.StatusInternalServerError || ack.Error != "MissingField" {
		t.Fatalf("expected 500 MissingField, got %+v", ack)
	}
	if sub.calls != 0 {
		t.Fatalf("expected no pipeline run")
	}
	a, _ := f.svc.Get(context.Background(), "e1")
	if a.Status != agreement.StatusSent {
		t.Fatalf("expected store untouched, got %s", a.Status)
	}
}

func TestHandle_WalletResolverFallback(t *testing.T) {
	f := newFixture(t)
	f.fetcher.envelopes["e1"] = completedEnvelope(f.env.AgreementID, false)
	body, sig := signedBody(`{"event":"envelope-completed","data":{"envelopeId":"e1"}}`)

	ack := f.adapter.Handle(context.Background(), body, sig)
	if ack.Status != http.StatusInternalServerError || ack.Error != "MissingField" {
		t.Fatalf("expected 500 MissingField without resolver, got %+v", ack)
	}
	a, _ := f.svc.Get(context.Background(), "e1")
	if a.Status != agreement.StatusSent {
		t.Fatalf("expected no partial writes, got %s", a.Status)
	}

	f.adapter.WithWalletResolver(StaticResolver{"Buyer@Example.com": "W1", "seller@example.com": "W2"})
	ack = f.adapter.Handle(context.Background(), body, sig)
	if !ack.Success {
		t.Fatalf("expected success with resolver, got %+v", ack)
	}
}

func TestHandle_AgreementIDMismatch(t *testing.T) {
	f := newFixture(t)
	f.fetcher.envelopes["e1"] = completedEnvelope("999", true)
	body, sig := signedBody(`{"event":"document-completed","envelopeId":"e1"}`)

	ack := f.adapter.Handle(context.Background(), body, sig)
	if ack.Error != "MissingField" || ack.Status != http.StatusInternalServerError {
		t.Fatalf("expected mismatch to be rejected, got %+v", ack)
	}
}

func TestHandle_IgnoredAndMalformed(t *testing.T) {
	f := newFixture(t)

	body, sig := signedBody(`{"event":"recipient-sent","envelopeId":"e1"}`)
	ack := f.adapter.Handle(context.Background(), body, sig)
	if ack.Status != http.StatusOK || !ack.Success || ack.Message != "event ignored" {
		t.Fatalf("expected ignored ack, got %+v", ack)
	}

	body, sig = signedBody(`{"event":`)
	ack = f.adapter.Handle(context.Background(), body, sig)
	if ack.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %+v", ack)
	}

	body, sig = signedBody(`{"event":"document-completed"}`)
	ack = f.adapter.Handle(context.Background(), body, sig)
	if ack.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing envelope id, got %+v", ack)
	}
	if f.fetcher.calls != 0 {
		t.Fatalf("expected no provider fetch")
	}
}

func TestHandle_PanicBecomesInternalError(t *testing.T) {
	f := newFixture(t)
	f.fetcher.panicMsg = "nil map"
	body, sig := signedBody(`{"event":"document-completed","envelopeId":"e1"}`)

	ack := f.adapter.Handle(context.Background(), body, sig)
	if ack.Status != http.StatusInternalServerError || ack.Error != "InternalError" {
		t.Fatalf("expected 500 InternalError, got %+v", ack)
	}
	if ack.Detail == "" {
		t.Fatalf("expected diagnostic detail")
	}
}

func TestHandle_ChainFailureCarriesResult(t *testing.T) {
	f := newFixture(t)
	f.fetcher.envelopes["e1"] = completedEnvelope(f.env.AgreementID, true)
	failure := chain.Result{
		Stage: chain.StageMarkingSigners,
		Marks: []chain.Outcome{{Op: chain.OpMarkSigned, WalletAddress: "W1", Error: "rejected"}},
		Err:   errors.Join(chain.ErrSubmission, errors.New("rejected")),
	}
	f.adapter.pipeline = &fakeSubmitter{result: failure}

	body, sig := signedBody(`{"event":"document-completed","envelopeId":"e1"}`)
	ack := f.adapter.Handle(context.Background(), body, sig)
	if ack.Status != http.StatusInternalServerError || ack.Error != "ChainSubmissionFailure" {
		t.Fatalf("expected 500 ChainSubmissionFailure, got %+v", ack)
	}
	if ack.Result == nil || ack.Result.Stage != chain.StageMarkingSigners || len(ack.Result.Marks) != 1 {
		t.Fatalf("expected partial result attached, got %+v", ack.Result)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	if err := VerifySignature(testSecret, body, Sign(testSecret, body)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := VerifySignature(testSecret, body, Sign("other", body)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := VerifySignature(testSecret, body, "%%%"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for garbage, got %v", err)
	}
	if err := VerifySignature("", body, "x"); !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal for empty secret, got %v", err)
	}
}
