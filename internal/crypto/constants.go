package crypto

const (
	// KeySize is the size of an AES-256 key in bytes.
	KeySize = 32
	// NonceSize is the size of an AES-GCM nonce in bytes.
	NonceSize = 12
	// TagSize is the size of an AES-GCM authentication tag in bytes.
	TagSize = 16
	// SaltSize is the size of a KDF salt in bytes.
	SaltSize = 16
	// SharedSecretSize is the size of a derived ECDH shared secret in bytes.
	SharedSecretSize = 32

	// DefaultIterations is the default PBKDF2 cost parameter. The
	// browser predecessor of this protocol shipped with an iteration
	// count of 16, which under-provisions brute-force resistance; this
	// default follows current OWASP guidance for PBKDF2-SHA-256.
	DefaultIterations = 600_000
)

// HKDF info strings for domain separation. Distinct contexts guarantee
// that subkeys derived from the same secret are independent.
const (
	InfoECDH     = "keyfold:ecdh:v1"
	InfoVerifier = "keyfold:login-verifier:v1"
	InfoChat     = "keyfold:chat-store:v1"
	InfoChannel  = "keyfold:channel:v1"
)
