package agreement

import "time"

// VerificationRecord is a provider-agnostic, read-only view of an agreement
// used to drive chain submission. It is never persisted.
type VerificationRecord struct {
	EnvelopeID   string
	AgreementID  string
	DocumentHash []byte
	Status       Status
	CompletedAt  *time.Time
	Signatures   []SignatureState
}

type SignatureState struct {
	WalletAddress string
	Signed        bool
	SignedAt      *time.Time
}

// AllSigned reports whether the record represents full completion.
func (r VerificationRecord) AllSigned() bool {
	if len(r.Signatures) == 0 {
		return false
	}
	for _, sig := range r.Signatures {
		if !sig.Signed {
			return false
		}
	}
	return true
}

func NewVerificationRecord(a Agreement) VerificationRecord {
	snap := a.Clone()
	rec := VerificationRecord{
		EnvelopeID:   snap.ID,
		AgreementID:  snap.AgreementID,
		DocumentHash: snap.DocumentHash,
		Status:       snap.Status,
		CompletedAt:  snap.CompletedAt,
		Signatures:   make([]SignatureState, len(snap.Signers)),
	}
	for i, s := range snap.Signers {
		rec.Signatures[i] = SignatureState{
			WalletAddress: s.WalletAddress,
			Signed:        s.Status == SignerCompleted,
			SignedAt:      s.SignedAt,
		}
	}
	return rec
}
