package agreement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Hashdive/escra-example/storage"
)

var keyPrefix = []byte("agreement/")

// PebbleStore persists agreements in a local Pebble database. Records are
// JSON encoded and zstd compressed.
type PebbleStore struct {
	kv    *storage.Storage
	keyed *keyedMutex
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func NewPebbleStore(kv *storage.Storage) (*PebbleStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("agreement: create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("agreement: create decoder: %w", err)
	}
	return &PebbleStore{kv: kv, keyed: newKeyedMutex(), enc: enc, dec: dec}, nil
}

func (s *PebbleStore) Put(ctx context.Context, a Agreement) error {
	if a.ID == "" {
		return fmt.Errorf("agreement: missing id")
	}
	unlock := s.keyed.Lock(a.ID)
	defer unlock()
	return s.write(a)
}

func (s *PebbleStore) Get(ctx context.Context, id string) (Agreement, error) {
	raw, found, err := s.kv.Get(recordKey(id))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: load %s: %w", id, err)
	}
	if !found {
		return Agreement{}, ErrNotFound
	}
	return s.decode(raw)
}

func (s *PebbleStore) List(ctx context.Context) ([]Agreement, error) {
	out := []Agreement{}
	err := s.kv.IteratePrefix(keyPrefix, func(_, value []byte) error {
		a, err := s.decode(value)
		if err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("agreement: list: %w", err)
	}
	sortAgreements(out)
	return out, nil
}

func (s *PebbleStore) Update(ctx context.Context, id string, fn UpdateFunc) (Agreement, error) {
	unlock := s.keyed.Lock(id)
	defer unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return Agreement{}, err
	}
	changed, err := fn(&current)
	if err != nil {
		return Agreement{}, err
	}
	if !changed {
		return current, nil
	}
	if err := s.write(current); err != nil {
		return Agreement{}, err
	}
	return current, nil
}

// Close releases the codec; the underlying storage is owned by the caller.
func (s *PebbleStore) Close() {
	s.enc.Close()
	s.dec.Close()
}

func (s *PebbleStore) write(a Agreement) error {
	body, err := json.Marshal(toRecord(a))
	if err != nil {
		return fmt.Errorf("agreement: marshal %s: %w", a.ID, err)
	}
	if err := s.kv.Set(recordKey(a.ID), s.enc.EncodeAll(body, nil)); err != nil {
		return fmt.Errorf("agreement: persist %s: %w", a.ID, err)
	}
	return nil
}

func (s *PebbleStore) decode(raw []byte) (Agreement, error) {
	body, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: decompress record: %w", err)
	}
	var rec storedAgreement
	if err := json.Unmarshal(body, &rec); err != nil {
		return Agreement{}, fmt.Errorf("agreement: unmarshal record: %w", err)
	}
	return rec.toAgreement(), nil
}

func recordKey(id string) []byte {
	return append(append([]byte(nil), keyPrefix...), id...)
}

// storedAgreement is the on-disk shape. DocumentHash marshals as base64 so the
// fingerprint round-trips as raw bytes.
type storedAgreement struct {
	ID           string         `json:"id"`
	AgreementID  string         `json:"agreement_id"`
	Title        string         `json:"title"`
	Message      string         `json:"message,omitempty"`
	DocumentHash []byte         `json:"document_hash"`
	Signers      []storedSigner `json:"signers"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

type storedSigner struct {
	Name          string       `json:"name"`
	Email         string       `json:"email"`
	WalletAddress string       `json:"wallet_address"`
	Status        SignerStatus `json:"status"`
	SignedAt      *time.Time   `json:"signed_at,omitempty"`
}

func toRecord(a Agreement) storedAgreement {
	rec := storedAgreement{
		ID:           a.ID,
		AgreementID:  a.AgreementID,
		Title:        a.Title,
		Message:      a.Message,
		DocumentHash: a.DocumentHash,
		Status:       a.Status,
		CreatedAt:    a.CreatedAt,
		CompletedAt:  a.CompletedAt,
		Signers:      make([]storedSigner, len(a.Signers)),
	}
	for i, s := range a.Signers {
		rec.Signers[i] = storedSigner(s)
	}
	return rec
}

func (r storedAgreement) toAgreement() Agreement {
	a := Agreement{
		ID:           r.ID,
		AgreementID:  r.AgreementID,
		Title:        r.Title,
		Message:      r.Message,
		DocumentHash: r.DocumentHash,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		CompletedAt:  r.CompletedAt,
		Signers:      make([]Signer, len(r.Signers)),
	}
	for i, s := range r.Signers {
		a.Signers[i] = Signer(s)
	}
	return a
}
