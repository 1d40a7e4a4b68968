package esign

import (
	"context"
	"errors"

	"github.com/Hashdive/escra-example/agreement"
)

// Field names the service stamps on envelopes it creates.
const (
	DefaultAgreementField = "agreementId"
	DefaultWalletField    = "walletAddress"
)

// LocalProvider answers envelope lookups from the agreement store. It stands in
// for the real provider in demo mode, where signing is simulated.
type LocalProvider struct {
	store agreement.Store
}

func NewLocalProvider(store agreement.Store) *LocalProvider {
	return &LocalProvider{store: store}
}

func (p *LocalProvider) GetEnvelope(ctx context.Context, envelopeID string) (Envelope, error) {
	a, err := p.store.Get(ctx, envelopeID)
	if err != nil {
		if errors.Is(err, agreement.ErrNotFound) {
			return Envelope{}, ErrEnvelopeNotFound
		}
		return Envelope{}, err
	}
	return EnvelopeFromAgreement(a), nil
}

// EnvelopeFromAgreement renders an agreement in the provider's envelope shape.
func EnvelopeFromAgreement(a agreement.Agreement) Envelope {
	env := Envelope{
		EnvelopeID:        a.ID,
		Status:            string(a.Status),
		EmailSubject:      a.Title,
		CompletedDateTime: a.CompletedAt,
	}
	if a.AgreementID != "" {
		env.CustomFields.TextCustomFields = []CustomField{{Name: DefaultAgreementField, Value: a.AgreementID}}
	}
	for _, s := range a.Signers {
		env.Recipients.Signers = append(env.Recipients.Signers, Recipient{
			Name:           s.Name,
			Email:          s.Email,
			Status:         string(s.Status),
			SignedDateTime: s.SignedAt,
			Tabs:           Tabs{TextTabs: []Tab{{TabLabel: DefaultWalletField, Value: s.WalletAddress}}},
		})
	}
	return env
}
