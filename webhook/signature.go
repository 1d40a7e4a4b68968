package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the raw request body.
const SignatureHeader = "signature"

// Sign returns the header value a provider would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of body in constant time.
func VerifySignature(secret string, body []byte, header string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: webhook secret is empty", ErrInternal)
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrBadRequest, SignatureHeader)
	}
	provided, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrUnauthorized)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}
	return nil
}
