package agreement

import (
	"strings"
	"time"
)

// Status is the aggregate signing state of an agreement.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusSent            Status = "sent"
	StatusPartiallySigned Status = "partially_signed"
	StatusCompleted       Status = "completed"
)

// SignerStatus tracks a single party's progress.
type SignerStatus string

const (
	SignerSent      SignerStatus = "sent"
	SignerCompleted SignerStatus = "completed"
)

// DocumentHashSize is the length in bytes of a document fingerprint.
const DocumentHashSize = 32

// Agreement mirrors one envelope issued through the signing provider. ID is the
// provider's envelope id; AgreementID is the registry identifier on chain.
type Agreement struct {
	ID           string
	AgreementID  string
	Title        string
	Message      string
	DocumentHash []byte
	Signers      []Signer
	Status       Status
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Signer is one party required to sign.
type Signer struct {
	Name          string
	Email         string
	WalletAddress string
	Status        SignerStatus
	SignedAt      *time.Time
}

// Clone returns a deep copy so callers never share signer slices or timestamps
// with the store.
func (a Agreement) Clone() Agreement {
	out := a
	if a.DocumentHash != nil {
		out.DocumentHash = append([]byte(nil), a.DocumentHash...)
	}
	if a.Signers != nil {
		out.Signers = make([]Signer, len(a.Signers))
		for i, s := range a.Signers {
			out.Signers[i] = s
			out.Signers[i].SignedAt = cloneTime(s.SignedAt)
		}
	}
	out.CompletedAt = cloneTime(a.CompletedAt)
	return out
}

// SignerIndex returns the position of the signer matching both the contact
// identifier and the wallet address, or -1.
func (a Agreement) SignerIndex(email, walletAddress string) int {
	email = strings.TrimSpace(email)
	walletAddress = strings.TrimSpace(walletAddress)
	for i, s := range a.Signers {
		if s.WalletAddress == walletAddress && strings.EqualFold(strings.TrimSpace(s.Email), email) {
			return i
		}
	}
	return -1
}

// DeriveStatus computes the aggregate status from the signer list. A draft
// agreement with no completed signers stays draft.
func DeriveStatus(current Status, signers []Signer) Status {
	completed := 0
	for _, s := range signers {
		if s.Status == SignerCompleted {
			completed++
		}
	}
	switch {
	case len(signers) > 0 && completed == len(signers):
		return StatusCompleted
	case completed > 0:
		return StatusPartiallySigned
	case current == StatusDraft:
		return StatusDraft
	default:
		return StatusSent
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
