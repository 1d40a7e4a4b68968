package webhook

import (
	"context"
	"fmt"
	"strings"
)

// WalletResolver maps a signer's contact identifier to a wallet address when
// the envelope carries no wallet form field.
type WalletResolver interface {
	ResolveWallet(ctx context.Context, email string) (string, error)
}

// StaticResolver is a fixed email to wallet directory. Keys are matched
// case-insensitively.
type StaticResolver map[string]string

func (r StaticResolver) ResolveWallet(_ context.Context, email string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	for k, v := range r {
		if strings.ToLower(strings.TrimSpace(k)) == key && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("%w: no wallet address for %s", ErrMissingField, email)
}
