package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidAgreement is returned when the registry id cannot be parsed.
	ErrInvalidAgreement = errors.New("chain: invalid agreement id")
	// ErrSubmission marks a run halted by a failed chain call.
	ErrSubmission = errors.New("chain: submission failed")
	// ErrRejected means the ledger answered and refused the transaction.
	ErrRejected = errors.New("chain: transaction rejected")
	// ErrTimeout means a single call exceeded its deadline.
	ErrTimeout = errors.New("chain: call timed out")
	// ErrNotFound is returned by ledger lookups for unknown ids.
	ErrNotFound = errors.New("chain: agreement not found")
)

// Stage names where a submission run ended.
type Stage string

const (
	StageMarkingSigners     Stage = "marking_signers"
	StageExecutingAgreement Stage = "executing_agreement"
	StageSignaturesMarked   Stage = "signatures_marked"
	StageAgreementExecuted  Stage = "agreement_executed"
)

// Op identifies a registry operation.
type Op string

const (
	OpCreateAgreement  Op = "create_agreement"
	OpMarkSigned       Op = "mark_signed"
	OpExecuteAgreement Op = "execute_agreement"
	OpCancelAgreement  Op = "cancel_agreement"
)

// Client is the narrow view of the on-chain agreement registry.
type Client interface {
	CreateAgreement(ctx context.Context, req CreateAgreementRequest) (TxResult, error)
	MarkSigned(ctx context.Context, req MarkSignedRequest) (TxResult, error)
	ExecuteAgreement(ctx context.Context, req ExecuteRequest) (TxResult, error)
	CancelAgreement(ctx context.Context, req CancelRequest) (TxResult, error)
}

type CreateAgreementRequest struct {
	Sender           string   `json:"sender"`
	DocumentHash     []byte   `json:"documentHash"`
	Provider         string   `json:"provider"`
	Signers          []string `json:"signers"`
	IdempotencyToken string   `json:"-"`
}

type MarkSignedRequest struct {
	Verifier         string `json:"verifier"`
	AgreementID      uint64 `json:"agreementId"`
	WalletAddress    string `json:"walletAddress"`
	IdempotencyToken string `json:"-"`
}

type ExecuteRequest struct {
	Verifier         string `json:"verifier"`
	AgreementID      uint64 `json:"agreementId"`
	IdempotencyToken string `json:"-"`
}

type CancelRequest struct {
	Caller           string `json:"caller"`
	AgreementID      uint64 `json:"agreementId"`
	IdempotencyToken string `json:"-"`
}

// TxResult is the ledger's answer to one call. Success=false with a nil error
// is a rejection.
type TxResult struct {
	Success     bool   `json:"success"`
	TxID        string `json:"txId,omitempty"`
	Error       string `json:"error,omitempty"`
	AgreementID uint64 `json:"agreementId,omitempty"`
}

// Outcome records one call made during a submission run.
type Outcome struct {
	Op            Op     `json:"op"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Success       bool   `json:"success"`
	TxID          string `json:"txId,omitempty"`
	Error         string `json:"error,omitempty"`
	Attempts      int    `json:"attempts"`
}

// Result summarizes a submission run, including partial outcomes on failure.
type Result struct {
	Success bool
	Stage   Stage
	Marks   []Outcome
	Execute *Outcome
	Err     error
}

func (r Result) MarshalJSON() ([]byte, error) {
	type wire struct {
		Success bool      `json:"success"`
		Stage   Stage     `json:"stage"`
		Marks   []Outcome `json:"marks"`
		Execute *Outcome  `json:"execute,omitempty"`
		Error   string    `json:"error,omitempty"`
	}
	w := wire{Success: r.Success, Stage: r.Stage, Marks: r.Marks, Execute: r.Execute}
	if w.Marks == nil {
		w.Marks = []Outcome{}
	}
	if r.Err != nil {
		w.Error = r.Err.Error()
	}
	return json.Marshal(w)
}

// ParseAgreementID accepts a positive base-10 registry id.
func ParseAgreementID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAgreement, raw)
	}
	return id, nil
}
