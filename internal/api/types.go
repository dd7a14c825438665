package api

import "time"

// SessionLease is the server's grant of a short-lived access window.
type SessionLease struct {
	// ExpiresIn is the lease duration in seconds.
	ExpiresIn int `json:"expires_in"`
}

// Duration returns the lease as a time.Duration.
func (l *SessionLease) Duration() time.Duration {
	return time.Duration(l.ExpiresIn) * time.Second
}

// RegisterParams is the registration request. All key material is
// either public (salt, PoP public key) or wrapped (DEK); the server
// never receives the password, KEK or DEK.
type RegisterParams struct {
	Email string `json:"email"`
	// Verifier is the login verifier derived from the KEK (base64).
	Verifier string `json:"verifier"`
	// WrappedDEK is the DEK AEAD-encrypted under the KEK (base64).
	WrappedDEK string `json:"wrapped_dek"`
	// Salt is the KDF salt (base64).
	Salt string `json:"salt"`
	// PoPPublicKey is the SPKI-encoded session signing key (base64).
	PoPPublicKey string `json:"pop_public_key"`
}

// RegisterResult is the registration response.
type RegisterResult struct {
	// UserID is the server-assigned account identifier.
	UserID string `json:"user_id"`
	SessionLease
}

// SignInParams is the sign-in request.
type SignInParams struct {
	Email        string `json:"email"`
	Verifier     string `json:"verifier"`
	PoPPublicKey string `json:"pop_public_key"`
}

// SignInResult is the sign-in response.
type SignInResult struct {
	UserID     string `json:"user_id"`
	WrappedDEK string `json:"wrapped_dek"`
	Salt       string `json:"salt"`
	SessionLease
}

// ChangePasswordParams carries the re-wrapped key material for a KEK
// rotation. The server invalidates all other active sessions on
// success.
type ChangePasswordParams struct {
	Verifier   string `json:"verifier"`
	WrappedDEK string `json:"wrapped_dek"`
}

// RecordEnvelope is a vault record as stored server-side: opaque
// ciphertext plus sync metadata.
type RecordEnvelope struct {
	ID string `json:"id"`
	// Data is the AEAD-encrypted record payload (base64).
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted"`
}

// VaultStatus is the lightweight sync pre-check response.
type VaultStatus struct {
	// Count is the number of live (non-tombstoned) records.
	Count int `json:"count"`
}

// LinkParams is the secure-link creation request.
type LinkParams struct {
	ID    string `json:"id"`
	Scope string `json:"scope"`
	// TTL is the link lifetime in seconds.
	TTL int `json:"ttl"`
	// Data is base64(nonce || ciphertext).
	Data string `json:"data"`
}

// LinkResult is the secure-link fetch response.
type LinkResult struct {
	Data string `json:"data"`
}
