package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandomSource yields opaque random strings for code and secret
// material. It exists so tests can substitute deterministic values.
type RandomSource interface {
	RandomString(length int) string
}

// CryptoSource draws from crypto/rand.
type CryptoSource struct{}

// RandomString generates length random bytes encoded as URL-safe base64.
func (CryptoSource) RandomString(length int) string {
	return GenerateRandomString(length)
}

// GenerateRandomString generates a random bytes of the given length, encoded to base64.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Errorf("failed to generate random string: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
