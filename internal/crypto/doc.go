// Package crypto provides the cryptographic primitives for the Keyfold
// protocol: authenticated encryption, password-based and HKDF key
// derivation, elliptic-curve signatures and key agreement, and the
// byte-encoding helpers used on the wire.
//
// # Algorithm Suite
//
//   - AES-256-GCM: authenticated encryption (AEAD) for vault records,
//     wrapped keys, chat messages and transport frames. Ciphertexts use
//     the nonce-prefix format nonce(12) || ciphertext || tag(16).
//
//   - PBKDF2-SHA-256 (RFC 8018): derives the Key-Encryption-Key from
//     the user's password and a random salt. The iteration count is a
//     tunable cost parameter, never hardcoded at call sites.
//
//   - HKDF-SHA-256 (RFC 5869): expands high-entropy secrets (KEK, ECDH
//     shared points) into fixed-length subkeys with domain separation.
//
//   - ECDSA P-256: proof-of-possession signatures for session refresh
//     and DPoP. Keys round-trip through SPKI (public) and PKCS#8
//     (private) encodings for persistence.
//
//   - ECDH P-256: pairwise key agreement for the chat protocol.
//
//   - HMAC-SHA-256: authenticates chat-deletion requests.
//
// # Security Notes
//
// AEAD nonces are drawn from crypto/rand on every [Seal] call; a nonce
// is never reused under the same key. Decryption fails closed: a tag
// mismatch returns [ErrDecryptionFailed] and no plaintext.
//
// Key material held in byte slices should never be logged or written to
// storage unencrypted.
package crypto
