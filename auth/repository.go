package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOperatorNotFound signals that no operator has the given name.
	ErrOperatorNotFound = errors.New("auth: operator not found")
	// ErrDuplicateOperator signals that a name is configured twice.
	ErrDuplicateOperator = errors.New("auth: operator already exists")
)

// Repository looks operators up by name.
type Repository interface {
	GetOperator(ctx context.Context, name string) (Operator, error)
}

// StaticRepository serves a fixed operator list. Names are case-insensitive.
type StaticRepository struct {
	byName map[string]Operator
}

// NewStaticRepository validates and indexes ops.
func NewStaticRepository(ops []Operator) (*StaticRepository, error) {
	r := &StaticRepository{byName: make(map[string]Operator, len(ops))}
	for i, op := range ops {
		key := strings.ToLower(strings.TrimSpace(op.Name))
		if key == "" {
			return nil, fmt.Errorf("auth: operator %d has no name", i)
		}
		if !strings.HasPrefix(op.PasswordHash, "$2") {
			return nil, fmt.Errorf("auth: operator %s password hash is not bcrypt", op.Name)
		}
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOperator, op.Name)
		}
		op.Name = strings.TrimSpace(op.Name)
		r.byName[key] = op
	}
	return r, nil
}

func (r *StaticRepository) GetOperator(_ context.Context, name string) (Operator, error) {
	op, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return op, nil
}
