package agreement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateParams carries a new signing request.
type CreateParams struct {
	ID           string
	AgreementID  string
	Title        string
	Message      string
	DocumentHash []byte
	Signers      []SignerParams
	Draft        bool
}

type SignerParams struct {
	Name          string
	Email         string
	WalletAddress string
}

// SignatureEvent is one signer's completion as reported by the provider.
type SignatureEvent struct {
	AgreementID   string
	Email         string
	WalletAddress string
	SignedAt      time.Time
}

type Service struct {
	store       Store
	idGenerator func() string
	now         func() time.Time
}

func NewService(store Store) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{
		store:       store,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ValidateParams reports whether Create would accept params, without storing
// anything. Callers that register the agreement elsewhere first use it so a
// rejected create leaves nothing behind.
func ValidateParams(params CreateParams) error {
	_, err := buildSigners(params)
	return err
}

func buildSigners(params CreateParams) ([]Signer, error) {
	if len(params.DocumentHash) != DocumentHashSize {
		return nil, fmt.Errorf("%w: document hash must be %d bytes, got %d", ErrInvalidAgreement, DocumentHashSize, len(params.DocumentHash))
	}
	if len(params.Signers) == 0 {
		return nil, fmt.Errorf("%w: at least one signer required", ErrInvalidAgreement)
	}

	signers := make([]Signer, 0, len(params.Signers))
	seen := make(map[string]struct{}, len(params.Signers))
	for i, p := range params.Signers {
		email := strings.TrimSpace(p.Email)
		wallet := strings.TrimSpace(p.WalletAddress)
		if email == "" {
			return nil, fmt.Errorf("%w: signer %d missing email", ErrInvalidAgreement, i)
		}
		if wallet == "" {
			return nil, fmt.Errorf("%w: signer %d missing wallet address", ErrInvalidAgreement, i)
		}
		if _, dup := seen[wallet]; dup {
			return nil, fmt.Errorf("%w: duplicate wallet %s", ErrInvalidAgreement, wallet)
		}
		seen[wallet] = struct{}{}
		signers = append(signers, Signer{
			Name:          strings.TrimSpace(p.Name),
			Email:         email,
			WalletAddress: wallet,
			Status:        SignerSent,
		})
	}
	return signers, nil
}

// Create validates and stores a new agreement in the sent (or draft) state.
func (s *Service) Create(ctx context.Context, params CreateParams) (Agreement, error) {
	signers, err := buildSigners(params)
	if err != nil {
		return Agreement{}, err
	}

	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = s.idGenerator()
	}
	status := StatusSent
	if params.Draft {
		status = StatusDraft
	}

	a := Agreement{
		ID:           id,
		AgreementID:  strings.TrimSpace(params.AgreementID),
		Title:        strings.TrimSpace(params.Title),
		Message:      params.Message,
		DocumentHash: append([]byte(nil), params.DocumentHash...),
		Signers:      signers,
		Status:       status,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Put(ctx, a); err != nil {
		return Agreement{}, err
	}
	return a, nil
}

// Send moves a draft agreement to sent. Already-sent agreements are returned unchanged.
func (s *Service) Send(ctx context.Context, id string) (Agreement, error) {
	return s.store.Update(ctx, id, func(a *Agreement) (bool, error) {
		if a.Status != StatusDraft {
			return false, nil
		}
		a.Status = DeriveStatus(StatusSent, a.Signers)
		return true, nil
	})
}

// RecordSignature marks the signer identified by (email, wallet) as completed
// and recomputes the aggregate status. Replays for an already completed signer
// are no-ops that keep the original SignedAt.
func (s *Service) RecordSignature(ctx context.Context, ev SignatureEvent) (Agreement, error) {
	if ev.AgreementID == "" {
		return Agreement{}, fmt.Errorf("agreement: missing agreement id")
	}

	return s.store.Update(ctx, ev.AgreementID, func(a *Agreement) (bool, error) {
		idx := a.SignerIndex(ev.Email, ev.WalletAddress)
		if idx < 0 {
			return false, ErrSignerNotFound
		}
		if a.Signers[idx].Status == SignerCompleted {
			return false, nil
		}
		if a.Status == StatusDraft {
			return false, ErrNotSent
		}

		signedAt := ev.SignedAt
		if signedAt.IsZero() {
			signedAt = s.now()
		}
		signedAt = signedAt.UTC()
		a.Signers[idx].Status = SignerCompleted
		a.Signers[idx].SignedAt = &signedAt

		a.Status = DeriveStatus(a.Status, a.Signers)
		if a.Status == StatusCompleted && a.CompletedAt == nil {
			completedAt := s.now().UTC()
			a.CompletedAt = &completedAt
		}
		return true, nil
	})
}

func (s *Service) Get(ctx context.Context, id string) (Agreement, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Agreement, error) {
	return s.store.List(ctx)
}

// BuildVerification projects the current state of an agreement.
func (s *Service) BuildVerification(ctx context.Context, id string) (VerificationRecord, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return VerificationRecord{}, err
	}
	return NewVerificationRecord(a), nil
}
