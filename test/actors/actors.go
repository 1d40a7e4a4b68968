package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Hashdive/escra-example/agreement"
	"github.com/Hashdive/escra-example/chain"
)

// Target is one seeded agreement the actors fight over.
type Target struct {
	EnvelopeID string
	Signers    []agreement.SignerParams
}

// Signer delivers signature events for random signers, including duplicates
// of ones already recorded. Connection errors from chaos are tolerated; a
// domain error means the store lost track of a signer and stops the run.
func Signer(ctx context.Context, svc *agreement.Service, targets []Target, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		t := targets[rand.Intn(len(targets))]
		s := t.Signers[rand.Intn(len(t.Signers))]
		email := s.Email
		if rand.Intn(2) == 0 {
			email = strings.ToUpper(email)
		}
		_, err := svc.RecordSignature(ctx, agreement.SignatureEvent{
			AgreementID:   t.EnvelopeID,
			Email:         email,
			WalletAddress: s.WalletAddress,
		})
		if err != nil && isDomainError(err) {
			return fmt.Errorf("signer %s on %s: %w", s.WalletAddress, t.EnvelopeID, err)
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// Reader loads agreements and checks each snapshot is internally consistent.
func Reader(ctx context.Context, svc *agreement.Service, targets []Target, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		t := targets[rand.Intn(len(targets))]
		rec, err := svc.BuildVerification(ctx, t.EnvelopeID)
		if err == nil {
			if rec.AllSigned() != (rec.Status == agreement.StatusCompleted) {
				return fmt.Errorf("reader: %s status %s with all signed=%v", t.EnvelopeID, rec.Status, rec.AllSigned())
			}
			if (rec.CompletedAt != nil) != (rec.Status == agreement.StatusCompleted) {
				return fmt.Errorf("reader: %s status %s with completed_at=%v", t.EnvelopeID, rec.Status, rec.CompletedAt)
			}
		} else if isDomainError(err) {
			return fmt.Errorf("reader: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Submitter pushes verification records through the chain pipeline while
// signatures are still arriving. Partial records mark only the signed
// wallets; completed ones execute, repeatedly, and must stay idempotent.
func Submitter(ctx context.Context, svc *agreement.Service, pipeline *chain.Pipeline, verifier string, targets []Target, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		t := targets[rand.Intn(len(targets))]
		rec, err := svc.BuildVerification(ctx, t.EnvelopeID)
		if err != nil {
			if isDomainError(err) {
				return fmt.Errorf("submitter: %w", err)
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		res := pipeline.Submit(ctx, verifier, rec)
		if !res.Success && ctx.Err() == nil {
			return fmt.Errorf("submitter: %s stage %s: %w", t.EnvelopeID, res.Stage, res.Err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, failing a random share so attempts get bumped.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, agreement.ErrNotFound) ||
		errors.Is(err, agreement.ErrSignerNotFound) ||
		errors.Is(err, agreement.ErrNotSent) ||
		errors.Is(err, agreement.ErrInvalidAgreement)
}
