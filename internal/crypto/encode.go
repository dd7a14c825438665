package crypto

import (
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
)

// ToBase64URL encodes bytes to URL-safe base64 without padding.
func ToBase64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// FromBase64URL decodes URL-safe base64 without padding.
func FromBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// ToBase64 encodes bytes to standard base64 with padding. Used for
// binary fields inside JSON request bodies.
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 decodes standard base64 (with padding) to bytes.
func FromBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// DecodeBase64 decodes base64 in any of the common variants. Server
// responses are not guaranteed to agree on padding or alphabet, so this
// version tries each encoding in turn.
func DecodeBase64(s string) ([]byte, error) {
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// ToHex encodes bytes to lowercase hex.
func ToHex(data []byte) string {
	return hex.EncodeToString(data)
}

// FromHex decodes a hex string to bytes.
func FromHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// ToBase32 encodes bytes to unpadded base32. Used for TOTP secrets and
// human-transcribable identifiers.
func ToBase32(data []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(data)
}

// FromBase32 decodes unpadded base32 to bytes.
func FromBase32(s string) ([]byte, error) {
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
}

// Equal compares two byte slices in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
