package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// OutboxTopicStatusChanged is published on every aggregate status transition.
	OutboxTopicStatusChanged = "agreement.status_changed"
	// OutboxTopicCompleted is published once every signer has signed.
	OutboxTopicCompleted = "agreement.completed"
	// OutboxTopicCreated is published when an agreement row is first inserted.
	OutboxTopicCreated = "agreement.created"
)

// PGPool abstracts pgxpool.Pool for testability.
type PGPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists agreements in PostgreSQL. Status transitions append a
// timeline event and an outbox message inside the same transaction.
type PGStore struct {
	pool PGPool
}

func NewPGStore(pool PGPool) *PGStore {
	return &PGStore{pool: pool}
}

// Put inserts or replaces the agreement and its signer list.
func (s *PGStore) Put(ctx context.Context, a Agreement) error {
	if a.ID == "" {
		return fmt.Errorf("agreement: missing id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsertSQL = `
INSERT INTO agreements (id, agreement_id, title, message, document_hash, status, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET agreement_id = EXCLUDED.agreement_id,
    title = EXCLUDED.title,
    message = EXCLUDED.message,
    document_hash = EXCLUDED.document_hash,
    status = EXCLUDED.status,
    completed_at = EXCLUDED.completed_at,
    updated_at = now()
RETURNING (xmax = 0) AS inserted;
`
	var inserted bool
	if err := tx.QueryRow(ctx, upsertSQL,
		a.ID, a.AgreementID, a.Title, a.Message, a.DocumentHash, string(a.Status), a.CreatedAt, a.CompletedAt,
	).Scan(&inserted); err != nil {
		return fmt.Errorf("agreement: upsert: %w", err)
	}

	if err := writeSigners(ctx, tx, a.ID, a.Signers); err != nil {
		return err
	}

	if inserted {
		payload := map[string]any{
			"agreement_id": a.AgreementID,
			"title":        a.Title,
			"signers":      len(a.Signers),
		}
		if err := insertTimelineEvent(ctx, tx, a.ID, "AGREEMENT_CREATED", payload); err != nil {
			return err
		}
		if err := enqueueOutbox(ctx, tx, OutboxTopicCreated, map[string]any{
			"envelope_id":  a.ID,
			"agreement_id": a.AgreementID,
			"status":       a.Status,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit put: %w", err)
	}
	return nil
}

// Get reads the agreement row and its signers from one snapshot, so a
// concurrent signature can never show up in one half only.
func (s *PGStore) Get(ctx context.Context, id string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET TRANSACTION ISOLATION LEVEL REPEATABLE READ READ ONLY`); err != nil {
		return Agreement{}, fmt.Errorf("agreement: set snapshot: %w", err)
	}

	const selectSQL = `
SELECT id, agreement_id, title, message, document_hash, status, created_at, completed_at
FROM agreements
WHERE id = $1
`
	a, err := scanAgreement(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}

	signers, err := loadSigners(ctx, tx, id)
	if err != nil {
		return Agreement{}, err
	}
	a.Signers = signers
	return a, nil
}

// List reads every agreement inside one repeatable-read snapshot.
func (s *PGStore) List(ctx context.Context) ([]Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET TRANSACTION ISOLATION LEVEL REPEATABLE READ READ ONLY`); err != nil {
		return nil, fmt.Errorf("agreement: set snapshot: %w", err)
	}

	rows, err := tx.Query(ctx, `
SELECT id, agreement_id, title, message, document_hash, status, created_at, completed_at
FROM agreements
ORDER BY created_at ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("agreement: list: %w", err)
	}
	out := []Agreement{}
	index := map[string]int{}
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("agreement: scan: %w", err)
		}
		index[a.ID] = len(out)
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate: %w", err)
	}

	signerRows, err := tx.Query(ctx, `
SELECT agreement_id, name, email, wallet_address, status, signed_at
FROM agreement_signers
ORDER BY agreement_id, position
`)
	if err != nil {
		return nil, fmt.Errorf("agreement: list signers: %w", err)
	}
	defer signerRows.Close()
	for signerRows.Next() {
		var (
			agreementID string
			signer      Signer
		)
		if err := signerRows.Scan(&agreementID, &signer.Name, &signer.Email, &signer.WalletAddress, &signer.Status, &signer.SignedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan signer: %w", err)
		}
		if i, ok := index[agreementID]; ok {
			out[i].Signers = append(out[i].Signers, signer)
		}
	}
	if err := signerRows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate signers: %w", err)
	}

	return out, nil
}

// Update locks the agreement row for the duration of fn.
func (s *PGStore) Update(ctx context.Context, id string, fn UpdateFunc) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const lockSQL = `
SELECT id, agreement_id, title, message, document_hash, status, created_at, completed_at
FROM agreements
WHERE id = $1
FOR UPDATE
`
	current, err := scanAgreement(tx.QueryRow(ctx, lockSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: lock: %w", err)
	}
	if current.Signers, err = loadSigners(ctx, tx, id); err != nil {
		return Agreement{}, err
	}

	previous := current.Status
	changed, err := fn(&current)
	if err != nil {
		return Agreement{}, err
	}
	if !changed {
		return current, nil
	}

	if _, err := tx.Exec(ctx, `
UPDATE agreements
SET status = $1,
    completed_at = $2,
    updated_at = now()
WHERE id = $3
`, string(current.Status), current.CompletedAt, id); err != nil {
		return Agreement{}, fmt.Errorf("agreement: update status: %w", err)
	}
	for i, signer := range current.Signers {
		if _, err := tx.Exec(ctx, `
UPDATE agreement_signers
SET status = $1, signed_at = $2
WHERE agreement_id = $3 AND position = $4
`, string(signer.Status), signer.SignedAt, id, i); err != nil {
			return Agreement{}, fmt.Errorf("agreement: update signer: %w", err)
		}
	}

	if previous != current.Status {
		payload := map[string]any{
			"previous_status": previous,
			"next_status":     current.Status,
		}
		if err := insertTimelineEvent(ctx, tx, id, "AGREEMENT_STATUS_CHANGED", payload); err != nil {
			return Agreement{}, err
		}
		if err := enqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
			"envelope_id": id,
			"previous":    previous,
			"next":        current.Status,
		}); err != nil {
			return Agreement{}, err
		}
		if current.Status == StatusCompleted {
			if err := enqueueOutbox(ctx, tx, OutboxTopicCompleted, map[string]any{
				"envelope_id":  id,
				"agreement_id": current.AgreementID,
				"completed_at": current.CompletedAt,
			}); err != nil {
				return Agreement{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit update: %w", err)
	}
	return current, nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadSigners(ctx context.Context, q rowQuerier, id string) ([]Signer, error) {
	rows, err := q.Query(ctx, `
SELECT name, email, wallet_address, status, signed_at
FROM agreement_signers
WHERE agreement_id = $1
ORDER BY position
`, id)
	if err != nil {
		return nil, fmt.Errorf("agreement: load signers: %w", err)
	}
	defer rows.Close()

	signers := []Signer{}
	for rows.Next() {
		var s Signer
		if err := rows.Scan(&s.Name, &s.Email, &s.WalletAddress, &s.Status, &s.SignedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan signer: %w", err)
		}
		signers = append(signers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate signers: %w", err)
	}
	return signers, nil
}

func writeSigners(ctx context.Context, tx pgx.Tx, id string, signers []Signer) error {
	if _, err := tx.Exec(ctx, `DELETE FROM agreement_signers WHERE agreement_id = $1`, id); err != nil {
		return fmt.Errorf("agreement: clear signers: %w", err)
	}
	const insertSQL = `
INSERT INTO agreement_signers (agreement_id, position, name, email, wallet_address, status, signed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	for i, s := range signers {
		if _, err := tx.Exec(ctx, insertSQL, id, i, s.Name, s.Email, s.WalletAddress, string(s.Status), s.SignedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: duplicate wallet %s", ErrInvalidAgreement, s.WalletAddress)
			}
			return fmt.Errorf("agreement: insert signer: %w", err)
		}
	}
	return nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a           Agreement
		status      string
		completedAt *time.Time
	)
	if err := row.Scan(&a.ID, &a.AgreementID, &a.Title, &a.Message, &a.DocumentHash, &status, &a.CreatedAt, &completedAt); err != nil {
		return Agreement{}, err
	}
	a.Status = Status(status)
	a.CompletedAt = completedAt
	return a, nil
}

func insertTimelineEvent(ctx context.Context, tx pgx.Tx, agreementID, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal timeline payload: %w", err)
	}
	const q = `
INSERT INTO timeline_events (agreement_id, type, payload)
VALUES ($1, $2, $3::jsonb)
`
	if _, err := tx.Exec(ctx, q, agreementID, eventType, body); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("agreement: enqueue outbox: %w", err)
	}
	return nil
}
