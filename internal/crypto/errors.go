package crypto

import "errors"

var (
	// ErrDecryptionFailed is returned when AEAD authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidKeySize is returned when a key has the wrong length.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidNonceSize is returned when a nonce has the wrong length.
	ErrInvalidNonceSize = errors.New("invalid nonce size")

	// ErrCiphertextTooShort is returned when a blob is shorter than
	// nonce plus tag and cannot possibly decrypt.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrInvalidPublicKey is returned when a peer public key fails to
	// parse or does not lie on the curve.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when a persisted private key
	// fails to parse.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)
