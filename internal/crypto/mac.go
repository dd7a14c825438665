package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// MAC computes HMAC-SHA-256 over message with the given key. Used to
// authenticate chat-deletion requests with the pairwise shared secret.
func MAC(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// VerifyMAC reports whether mac is a valid HMAC over message, compared
// in constant time.
func VerifyMAC(key, message, mac []byte) bool {
	return hmac.Equal(MAC(key, message), mac)
}
