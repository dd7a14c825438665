package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Seal encrypts plaintext using AES-256-GCM with a fresh random nonce.
// The returned blob is nonce (12 bytes) || ciphertext || tag (16 bytes).
func Seal(key, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("draw nonce: %w", err)
	}
	return SealWithNonce(key, nonce, plaintext)
}

// SealWithNonce encrypts plaintext under the given nonce and prepends
// the nonce to the output. Callers other than tests should use [Seal];
// reusing a nonce under the same key breaks GCM entirely.
func SealWithNonce(key, nonce, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidNonceSize, len(nonce), NonceSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by [Seal]. It splits the first 12 bytes
// as the nonce and authenticates the remainder. Returns
// [ErrDecryptionFailed] on tag mismatch and never partial plaintext.
func Open(key, blob []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	if len(blob) < NonceSize+TagSize {
		return nil, ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// RandomKey returns a fresh random 32-byte key.
func RandomKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// RandomSalt returns a fresh random 16-byte KDF salt.
func RandomSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}
