package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes. Each derived key is bound to exactly one use.
const (
	PurposeLoginCookie = "oidc-rp login cookie v1"
	PurposeCSRF        = "oidc-rp csrf v1"
	PurposeTokenAtRest = "oidc-rp token at rest v1"
)

// DeriveKey expands a configured master secret into a 32-byte key for purpose
// using HKDF-SHA256.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(secret))
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}
