package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Hashdive/escra-example/agreement"
	"github.com/Hashdive/escra-example/chain"
	"github.com/Hashdive/escra-example/esign"
)

var (
	// ErrUnauthorized means the signature header did not match the body.
	ErrUnauthorized = errors.New("webhook: unauthorized")
	// ErrBadRequest covers malformed payloads and a missing signature header.
	ErrBadRequest = errors.New("webhook: bad request")
	// ErrMissingField means the provider detail lacked a required field.
	ErrMissingField = errors.New("webhook: missing field")
	// ErrInternal is the catch-all for failures while processing an event.
	ErrInternal = errors.New("webhook: internal error")
)

// Event types that mean every recipient has signed.
const (
	EventDocumentCompleted = "document-completed"
	EventEnvelopeCompleted = "envelope-completed"
)

// EnvelopeFetcher loads envelope detail from the signing provider.
type EnvelopeFetcher interface {
	GetEnvelope(ctx context.Context, envelopeID string) (esign.Envelope, error)
}

// SignatureRecorder is the part of agreement.Service the adapter drives.
type SignatureRecorder interface {
	Get(ctx context.Context, id string) (agreement.Agreement, error)
	RecordSignature(ctx context.Context, ev agreement.SignatureEvent) (agreement.Agreement, error)
	BuildVerification(ctx context.Context, id string) (agreement.VerificationRecord, error)
}

// Submitter runs the chain submission for a verification record.
type Submitter interface {
	Submit(ctx context.Context, verifier string, rec agreement.VerificationRecord) chain.Result
}

type Config struct {
	Secret         string
	Verifier       string
	AgreementField string
	WalletField    string
}

// Ack is the adapter's answer to one notification.
type Ack struct {
	Status  int           `json:"-"`
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Result  *chain.Result `json:"result,omitempty"`
}

type Adapter struct {
	cfg      Config
	signing  SignatureRecorder
	fetcher  EnvelopeFetcher
	pipeline Submitter
	wallets  WalletResolver
	logger   *slog.Logger
}

func NewAdapter(cfg Config, signing SignatureRecorder, fetcher EnvelopeFetcher, pipeline Submitter) *Adapter {
	if cfg.AgreementField == "" {
		cfg.AgreementField = esign.DefaultAgreementField
	}
	if cfg.WalletField == "" {
		cfg.WalletField = esign.DefaultWalletField
	}
	return &Adapter{
		cfg:      cfg,
		signing:  signing,
		fetcher:  fetcher,
		pipeline: pipeline,
		wallets:  StaticResolver{},
		logger:   slog.Default(),
	}
}

func (a *Adapter) WithWalletResolver(r WalletResolver) *Adapter {
	if r != nil {
		a.wallets = r
	}
	return a
}

func (a *Adapter) WithLogger(logger *slog.Logger) *Adapter {
	if logger != nil {
		a.logger = logger
	}
	return a
}

type notification struct {
	Event      string `json:"event"`
	EnvelopeID string `json:"envelopeId"`
	Data       struct {
		EnvelopeID string `json:"envelopeId"`
	} `json:"data"`
}

// Handle authenticates and processes one provider notification. It never
// panics; every failure is reported through the returned Ack.
func (a *Adapter) Handle(ctx context.Context, rawBody []byte, signatureHeader string) (ack Ack) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("webhook handler panicked", "panic", r)
			ack = AckForError(fmt.Errorf("%w: panic: %v", ErrInternal, r))
		}
	}()

	if err := VerifySignature(a.cfg.Secret, rawBody, signatureHeader); err != nil {
		a.logger.Warn("webhook rejected", "err", err)
		return AckForError(err)
	}

	var n notification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return AckForError(fmt.Errorf("%w: decode body: %v", ErrBadRequest, err))
	}
	n.Event = strings.TrimSpace(n.Event)
	envelopeID := strings.TrimSpace(n.EnvelopeID)
	if envelopeID == "" {
		envelopeID = strings.TrimSpace(n.Data.EnvelopeID)
	}
	if n.Event == "" {
		return AckForError(fmt.Errorf("%w: missing event", ErrBadRequest))
	}

	switch n.Event {
	case EventDocumentCompleted, EventEnvelopeCompleted:
	default:
		a.logger.Info("webhook event ignored", "event", n.Event, "envelope_id", envelopeID)
		return Ack{Status: http.StatusOK, Success: true, Message: "event ignored"}
	}
	if envelopeID == "" {
		return AckForError(fmt.Errorf("%w: missing envelopeId", ErrBadRequest))
	}

	result, err := a.processCompletion(ctx, envelopeID)
	if err != nil {
		a.logger.Error("webhook processing failed", "envelope_id", envelopeID, "err", err)
		return AckForError(err)
	}
	if !result.Success {
		a.logger.Error("chain submission failed", "envelope_id", envelopeID, "stage", result.Stage, "err", result.Err)
		failed := AckForError(fmt.Errorf("%w: %w", ErrInternal, result.Err))
		failed.Result = &result
		return failed
	}
	return Ack{
		Status:  http.StatusOK,
		Success: true,
		Message: "agreement " + string(result.Stage),
		Result:  &result,
	}
}

type completedSigner struct {
	email    string
	wallet   string
	signedAt time.Time
}

func (a *Adapter) processCompletion(ctx context.Context, envelopeID string) (chain.Result, error) {
	env, err := a.fetcher.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return chain.Result{}, fmt.Errorf("%w: fetch envelope %s: %w", ErrInternal, envelopeID, err)
	}

	agreementID, ok := env.CustomField(a.cfg.AgreementField)
	if !ok {
		return chain.Result{}, fmt.Errorf("%w: custom field %q absent on envelope %s", ErrMissingField, a.cfg.AgreementField, envelopeID)
	}

	// resolve every wallet before touching the store
	var signers []completedSigner
	for _, r := range env.Recipients.Signers {
		if !r.Completed() {
			continue
		}
		wallet, ok := r.FormField(a.cfg.WalletField)
		if !ok {
			wallet, err = a.wallets.ResolveWallet(ctx, r.Email)
			if err != nil {
				return chain.Result{}, err
			}
		}
		cs := completedSigner{email: r.Email, wallet: wallet}
		if r.SignedDateTime != nil {
			cs.signedAt = *r.SignedDateTime
		}
		signers = append(signers, cs)
	}

	stored, err := a.signing.Get(ctx, envelopeID)
	if err != nil {
		return chain.Result{}, err
	}
	if stored.AgreementID != "" && stored.AgreementID != agreementID {
		return chain.Result{}, fmt.Errorf("%w: envelope %s carries agreement %q but %q is stored", ErrMissingField, envelopeID, agreementID, stored.AgreementID)
	}

	for _, s := range signers {
		if _, err := a.signing.RecordSignature(ctx, agreement.SignatureEvent{
			AgreementID:   envelopeID,
			Email:         s.email,
			WalletAddress: s.wallet,
			SignedAt:      s.signedAt,
		}); err != nil {
			return chain.Result{}, fmt.Errorf("record signature for %s: %w", s.wallet, err)
		}
	}

	rec, err := a.signing.BuildVerification(ctx, envelopeID)
	if err != nil {
		return chain.Result{}, err
	}
	if rec.AgreementID == "" {
		rec.AgreementID = agreementID
	}
	return a.pipeline.Submit(ctx, a.cfg.Verifier, rec), nil
}

// AckForError maps an error onto the acknowledgment taxonomy.
func AckForError(err error) Ack {
	ack := Ack{Success: false, Detail: err.Error()}
	switch {
	case errors.Is(err, ErrUnauthorized):
		ack.Status, ack.Error = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, ErrBadRequest):
		ack.Status, ack.Error = http.StatusBadRequest, "BadRequest"
	case errors.Is(err, ErrMissingField):
		ack.Status, ack.Error = http.StatusInternalServerError, "MissingField"
	case errors.Is(err, agreement.ErrNotFound):
		ack.Status, ack.Error = http.StatusInternalServerError, "NotFound"
	case errors.Is(err, agreement.ErrSignerNotFound):
		ack.Status, ack.Error = http.StatusInternalServerError, "SignerNotFound"
	case errors.Is(err, chain.ErrInvalidAgreement):
		ack.Status, ack.Error = http.StatusInternalServerError, "InvalidAgreement"
	case errors.Is(err, chain.ErrSubmission):
		ack.Status, ack.Error = http.StatusInternalServerError, "ChainSubmissionFailure"
	default:
		ack.Status, ack.Error = http.StatusInternalServerError, "InternalError"
	}
	return ack
}
