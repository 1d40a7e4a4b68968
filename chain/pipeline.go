package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Hashdive/escra-example/agreement"
)

// Pipeline turns a verification record into registry calls: one mark per
// signed party in record order, then a single execute once every party has
// signed. The first failure halts the run; nothing already submitted is undone.
type Pipeline struct {
	client Client
	policy RetryPolicy
	logger *slog.Logger
}

func NewPipeline(client Client) *Pipeline {
	return &Pipeline{
		client: client,
		policy: DefaultRetryPolicy(),
		logger: slog.Default(),
	}
}

func (p *Pipeline) WithRetryPolicy(policy RetryPolicy) *Pipeline {
	p.policy = policy.normalized()
	return p
}

func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// Submit records rec on chain on behalf of verifier.
func (p *Pipeline) Submit(ctx context.Context, verifier string, rec agreement.VerificationRecord) Result {
	result := Result{Stage: StageMarkingSigners, Marks: []Outcome{}}

	id, err := ParseAgreementID(rec.AgreementID)
	if err != nil {
		result.Err = err
		return result
	}
	idText := strconv.FormatUint(id, 10)
	log := p.logger.With("envelope_id", rec.EnvelopeID, "agreement_id", id)

	for _, sig := range rec.Signatures {
		if !sig.Signed {
			continue
		}
		req := MarkSignedRequest{
			Verifier:         verifier,
			AgreementID:      id,
			WalletAddress:    sig.WalletAddress,
			IdempotencyToken: IdempotencyToken(OpMarkSigned, idText, sig.WalletAddress),
		}
		res, attempts, err := p.policy.do(ctx, func(ctx context.Context) (TxResult, error) {
			return p.client.MarkSigned(ctx, req)
		})
		outcome := newOutcome(OpMarkSigned, sig.WalletAddress, res, attempts, err)
		result.Marks = append(result.Marks, outcome)
		if err != nil {
			log.Warn("mark signed failed", "wallet", sig.WalletAddress, "attempts", attempts, "err", err)
			result.Err = fmt.Errorf("%w: mark %s: %w", ErrSubmission, sig.WalletAddress, err)
			return result
		}
		log.Info("signer marked", "wallet", sig.WalletAddress, "tx", res.TxID, "attempts", attempts)
	}

	if !rec.AllSigned() {
		result.Success = true
		result.Stage = StageSignaturesMarked
		log.Info("signatures marked, awaiting remaining signers", "marked", len(result.Marks), "signers", len(rec.Signatures))
		return result
	}

	result.Stage = StageExecutingAgreement
	req := ExecuteRequest{
		Verifier:         verifier,
		AgreementID:      id,
		IdempotencyToken: IdempotencyToken(OpExecuteAgreement, idText),
	}
	res, attempts, err := p.policy.do(ctx, func(ctx context.Context) (TxResult, error) {
		return p.client.ExecuteAgreement(ctx, req)
	})
	outcome := newOutcome(OpExecuteAgreement, "", res, attempts, err)
	result.Execute = &outcome
	if err != nil {
		log.Warn("execute agreement failed", "attempts", attempts, "err", err)
		result.Err = fmt.Errorf("%w: execute: %w", ErrSubmission, err)
		return result
	}

	result.Success = true
	result.Stage = StageAgreementExecuted
	log.Info("agreement executed", "tx", res.TxID, "attempts", attempts)
	return result
}

// Register creates the agreement on chain and returns its registry id.
func (p *Pipeline) Register(ctx context.Context, sender string, documentHash []byte, provider string, wallets []string) (uint64, error) {
	req := CreateAgreementRequest{
		Sender:           sender,
		DocumentHash:     documentHash,
		Provider:         provider,
		Signers:          wallets,
		IdempotencyToken: IdempotencyToken(OpCreateAgreement, sender, fmt.Sprintf("%x", documentHash), provider, strings.Join(wallets, ",")),
	}
	res, _, err := p.policy.do(ctx, func(ctx context.Context) (TxResult, error) {
		return p.client.CreateAgreement(ctx, req)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: create agreement: %w", ErrSubmission, err)
	}
	if res.AgreementID == 0 {
		return 0, fmt.Errorf("%w: create agreement returned no id", ErrSubmission)
	}
	p.logger.Info("agreement registered", "agreement_id", res.AgreementID, "tx", res.TxID)
	return res.AgreementID, nil
}

// Cancel asks the registry to cancel a pending agreement on behalf of caller.
// A rejection comes back as an unsuccessful outcome wrapped in ErrRejected.
func (p *Pipeline) Cancel(ctx context.Context, caller, agreementID string) (Outcome, error) {
	id, err := ParseAgreementID(agreementID)
	if err != nil {
		return Outcome{Op: OpCancelAgreement}, err
	}
	req := CancelRequest{
		Caller:           caller,
		AgreementID:      id,
		IdempotencyToken: IdempotencyToken(OpCancelAgreement, strconv.FormatUint(id, 10), caller),
	}
	res, attempts, err := p.policy.do(ctx, func(ctx context.Context) (TxResult, error) {
		return p.client.CancelAgreement(ctx, req)
	})
	outcome := newOutcome(OpCancelAgreement, "", res, attempts, err)
	if err != nil {
		p.logger.Warn("cancel agreement failed", "agreement_id", id, "attempts", attempts, "err", err)
		return outcome, err
	}
	p.logger.Info("agreement cancelled", "agreement_id", id, "tx", res.TxID)
	return outcome, nil
}

func newOutcome(op Op, wallet string, res TxResult, attempts int, err error) Outcome {
	out := Outcome{
		Op:            op,
		WalletAddress: wallet,
		Success:       err == nil,
		TxID:          res.TxID,
		Attempts:      attempts,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
