package agreement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when no agreement exists for the provided identifier.
	ErrNotFound = errors.New("agreement: not found")
	// ErrSignerNotFound signals that no signer matches both the contact identifier and wallet.
	ErrSignerNotFound = errors.New("agreement: signer not found")
	// ErrNotSent is returned when a signature arrives for an agreement still in draft.
	ErrNotSent = errors.New("agreement: not sent")
	// ErrInvalidAgreement wraps validation failures on create.
	ErrInvalidAgreement = errors.New("agreement: invalid agreement")
)

// UpdateFunc mutates the agreement in place and reports whether anything
// changed. Returning false skips the write.
type UpdateFunc func(a *Agreement) (bool, error)

// Store owns every Agreement and Signer record. Implementations serialize
// writes per agreement id and hand out snapshots only.
type Store interface {
	Put(ctx context.Context, a Agreement) error
	Get(ctx context.Context, id string) (Agreement, error)
	List(ctx context.Context) ([]Agreement, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (Agreement, error)
}

// keyedMutex hands out one mutex per key and drops it once nobody holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// MemoryStore keeps agreements in process memory. State is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Agreement
	keyed *keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]Agreement),
		keyed: newKeyedMutex(),
	}
}

func (s *MemoryStore) Put(ctx context.Context, a Agreement) error {
	if a.ID == "" {
		return fmt.Errorf("agreement: missing id")
	}
	unlock := s.keyed.Lock(a.ID)
	defer unlock()

	s.mu.Lock()
	s.items[a.ID] = a.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Agreement, error) {
	s.mu.RLock()
	out := make([]Agreement, 0, len(s.items))
	for _, a := range s.items {
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sortAgreements(out)
	return out, nil
}

// Update runs fn against a private copy under the per-key lock and publishes
// the copy only when fn reports a change.
func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (Agreement, error) {
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

	s.mu.Lock()
	s.items[id] = current.Clone()
	s.mu.Unlock()
	return current, nil
}

func sortAgreements(items []Agreement) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
