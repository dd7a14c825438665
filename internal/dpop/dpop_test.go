package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testSigningKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"fragment stripped",
			"https://api.example.com/vault/records#section",
			"https://api.example.com/vault/records",
		},
		{
			"query sorted",
			"https://api.example.com/vault/records?z=1&a=2&m=3",
			"https://api.example.com/vault/records?a=2&m=3&z=1",
		},
		{
			"host lowercased",
			"HTTPS://API.Example.COM/path",
			"https://api.example.com/path",
		},
		{
			"already canonical",
			"https://api.example.com/auth/refresh",
			"https://api.example.com/auth/refresh",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if err != nil {
				t.Fatalf("NormalizeURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeURL_OrderIndependent(t *testing.T) {
	a, err := NormalizeURL("https://api.example.com/r?b=2&a=1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NormalizeURL("https://api.example.com/r?a=1&b=2")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("differently ordered queries canonicalize differently: %q vs %q", a, b)
	}
}

func TestProof_VerifiesAgainstEmbeddedJWK(t *testing.T) {
	key := testSigningKey(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	proof, err := Proof(key, "post", "https://api.example.com/vault/records?b=2&a=1#frag", Options{
		Expiry: time.Minute,
		Now:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("Proof() error = %v", err)
	}

	if strings.Count(proof, ".") != 2 {
		t.Fatalf("proof is not compact JWS: %q", proof)
	}

	// Parse and verify using the public key recovered from the jwk
	// header, as the server would.
	token, err := jwt.Parse(proof, func(token *jwt.Token) (interface{}, error) {
		return publicKeyFromHeader(t, token), nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("parse proof: %v", err)
	}

	if typ := token.Header["typ"]; typ != TokenType {
		t.Errorf("typ = %v, want %q", typ, TokenType)
	}

	claims := token.Claims.(jwt.MapClaims)
	if claims["htm"] != "POST" {
		t.Errorf("htm = %v, want POST", claims["htm"])
	}
	if want := "https://api.example.com/vault/records?a=1&b=2"; claims["htu"] != want {
		t.Errorf("htu = %v, want %q", claims["htu"], want)
	}
	if claims["jti"] == "" || claims["jti"] == nil {
		t.Error("jti missing")
	}
	if iat, _ := claims["iat"].(float64); int64(iat) != now.Unix() {
		t.Errorf("iat = %v, want %d", claims["iat"], now.Unix())
	}
	if exp, _ := claims["exp"].(float64); int64(exp) != now.Add(time.Minute).Unix() {
		t.Errorf("exp = %v, want %d", claims["exp"], now.Add(time.Minute).Unix())
	}
}

func TestProof_JWKHasNoPrivateComponent(t *testing.T) {
	key := testSigningKey(t)
	proof, err := Proof(key, "GET", "https://api.example.com/", Options{})
	if err != nil {
		t.Fatal(err)
	}

	header, err := base64.RawURLEncoding.DecodeString(strings.SplitN(proof, ".", 2)[0])
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(header), `"d"`) {
		t.Error("jwk header leaks the private parameter d")
	}
}

func TestProof_DistinctJTI(t *testing.T) {
	key := testSigningKey(t)
	seen := make(map[string]struct{})
	for i := 0; i < 16; i++ {
		proof, err := Proof(key, "GET", "https://api.example.com/", Options{})
		if err != nil {
			t.Fatal(err)
		}
		token, _, err := jwt.NewParser().ParseUnverified(proof, jwt.MapClaims{})
		if err != nil {
			t.Fatal(err)
		}
		jti := token.Claims.(jwt.MapClaims)["jti"].(string)
		if _, dup := seen[jti]; dup {
			t.Fatal("jti repeated")
		}
		seen[jti] = struct{}{}
	}
}

// publicKeyFromHeader reconstructs the ECDSA public key from the jwk
// proof header.
func publicKeyFromHeader(t *testing.T, token *jwt.Token) *ecdsa.PublicKey {
	t.Helper()
	jwk, ok := token.Header["jwk"].(map[string]interface{})
	if !ok {
		t.Fatal("jwk header missing")
	}
	x, err := base64.RawURLEncoding.DecodeString(jwk["x"].(string))
	if err != nil {
		t.Fatal(err)
	}
	y, err := base64.RawURLEncoding.DecodeString(jwk["y"].(string))
	if err != nil {
		t.Fatal(err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
}
