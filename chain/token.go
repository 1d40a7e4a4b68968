package chain

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const tokenDomain = "escra/v1"

// IdempotencyToken derives a stable key for a registry call so that a retried
// submission is recognised by the ledger instead of applied twice.
func IdempotencyToken(op Op, parts ...string) string {
	fields := append([]string{tokenDomain, string(op)}, parts...)
	sum := blake3.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}
