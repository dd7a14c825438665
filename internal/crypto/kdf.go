package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// DeriveKey derives a 32-byte key from a password and salt using
// PBKDF2-SHA-256. Deterministic: the same (password, salt, iterations)
// always yields the same key. iterations <= 0 selects
// [DefaultIterations].
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
}

// Expand derives a length-byte subkey from a high-entropy secret using
// HKDF-SHA-256 with the given info string for domain separation. Unlike
// [DeriveKey] this must never be used on low-entropy input.
func Expand(secret []byte, info string, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return key, nil
}
