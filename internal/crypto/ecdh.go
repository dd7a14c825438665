package crypto

import (
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/aead/ecdh"
)

// p256 is the key-exchange group used for pairwise chat secrets.
var p256 = ecdh.Generic(elliptic.P256())

// AgreementKey is an ephemeral ECDH P-256 keypair. Public holds the
// uncompressed curve point for transmission; Private holds the raw
// scalar for persistence while a handshake is pending.
type AgreementKey struct {
	Private []byte
	Public  []byte
}

// GenerateAgreementKey creates a new ephemeral ECDH keypair.
func GenerateAgreementKey() (*AgreementKey, error) {
	private, public, err := p256.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate agreement key: %w", err)
	}
	scalar, ok := private.([]byte)
	if !ok {
		return nil, ErrInvalidPrivateKey
	}
	point, ok := public.(ecdh.Point)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	return &AgreementKey{
		Private: scalar,
		Public:  elliptic.Marshal(elliptic.P256(), point.X, point.Y),
	}, nil
}

// ImportAgreementPublicKey validates an uncompressed P-256 point
// received from a peer.
func ImportAgreementPublicKey(raw []byte) (ecdh.Point, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return ecdh.Point{}, ErrInvalidPublicKey
	}
	point := ecdh.Point{X: x, Y: y}
	if err := p256.Check(point); err != nil {
		return ecdh.Point{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return point, nil
}

// SharedSecret computes the 32-byte pairwise secret from our private
// scalar and the peer's public point. Both parties derive the identical
// value: SharedSecret(aPriv, bPub) == SharedSecret(bPriv, aPub). The
// raw ECDH x-coordinate is expanded through HKDF so the result is a
// uniformly distributed AEAD key.
func SharedSecret(private, peerPublic []byte) ([]byte, error) {
	point, err := ImportAgreementPublicKey(peerPublic)
	if err != nil {
		return nil, err
	}

	raw := p256.ComputeSecret(private, point)

	// Left-pad to the curve size so the HKDF input is canonical
	// regardless of leading zero bytes in the x-coordinate.
	size := (elliptic.P256().Params().BitSize + 7) / 8
	padded := make([]byte, size)
	new(big.Int).SetBytes(raw).FillBytes(padded)

	return Expand(padded, InfoECDH, SharedSecretSize)
}
