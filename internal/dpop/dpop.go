// Package dpop builds RFC 9449-style proof-of-possession tokens that
// bind an HTTP request (method and URL) to an ECDSA P-256 keypair. The
// server verifies the proof against the public key registered at
// sign-in, so no long-lived bearer secret ever crosses the wire.
package dpop

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType is the JOSE typ header value for DPoP proofs.
const TokenType = "dpop+jwt"

// Options configures optional proof claims.
type Options struct {
	// Expiry adds an exp claim Expiry after iat. Zero omits the claim.
	Expiry time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Proof creates a compact signed proof token for the given request.
// The result is base64url(header).base64url(payload).base64url(sig)
// with header {typ, alg, jwk} and payload {htm, htu, iat, jti, exp?}.
func Proof(key *ecdsa.PrivateKey, method, rawURL string, opts Options) (string, error) {
	if key == nil {
		return "", fmt.Errorf("dpop: nil key")
	}

	htu, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	iat := now()

	claims := jwt.MapClaims{
		"htm": strings.ToUpper(method),
		"htu": htu,
		"iat": iat.Unix(),
		"jti": uuid.NewString(),
	}
	if opts.Expiry > 0 {
		claims["exp"] = iat.Add(opts.Expiry).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = TokenType
	token.Header["jwk"] = publicJWK(&key.PublicKey)

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("dpop: sign proof: %w", err)
	}
	return signed, nil
}

// publicJWK returns the public-only JWK representation of an ECDSA
// P-256 key. The private parameter d must never be included.
func publicJWK(key *ecdsa.PublicKey) map[string]string {
	size := (key.Curve.Params().BitSize + 7) / 8
	x := make([]byte, size)
	y := make([]byte, size)
	key.X.FillBytes(x)
	key.Y.FillBytes(y)

	return map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	}
}

// NormalizeURL canonicalizes a request URL for the htu claim: the
// scheme and host are lowercased, the fragment is stripped, and query
// parameters are sorted by key. Both client and server must apply the
// same canonicalization or signatures become unverifiable.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("dpop: parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		// url.Values.Encode sorts by key.
		u.RawQuery = u.Query().Encode()
	}

	return u.String(), nil
}
