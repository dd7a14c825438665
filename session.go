package keyfold

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/keyfold/client-go/internal/api"
	"github.com/keyfold/client-go/internal/crypto"
	"github.com/keyfold/client-go/internal/dpop"
	"github.com/keyfold/client-go/internal/store"
)

// Store keys for session state.
const (
	deviceKeyStoreKey = "device_key"
	popKeyStoreKey    = "pop_key"
	counterStoreKey   = "call_counter"
)

// Session owns the sensitive per-session state: the PoP keypair, the
// access and step-up leases, the KEK/DEK held in volatile memory, and
// the monotonic call counter. Keys are written only by the sign-in,
// refresh and rotation flows and read everywhere else.
type Session struct {
	api   *api.Client
	store *store.Store
	log   *logrus.Logger

	mu            sync.Mutex
	userID        string
	email         string
	salt          []byte
	kek           []byte
	dek           []byte
	popKey        *ecdsa.PrivateKey
	accessUntil   time.Time
	elevatedUntil time.Time

	// deviceKey encrypts state persisted across reloads (the PoP
	// private key). It is device-local and never leaves the store file.
	deviceKey []byte

	counterMu sync.Mutex
	counter   uint64

	refresh singleflight.Group
}

func newSession(apiClient *api.Client, st *store.Store, log *logrus.Logger) (*Session, error) {
	s := &Session{
		api:   apiClient,
		store: st,
		log:   log,
	}

	if err := s.loadDeviceKey(); err != nil {
		return nil, err
	}
	if err := s.loadPoPKey(); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(counterStoreKey, nil, &s.counter); err != nil {
		return nil, fmt.Errorf("load call counter: %w", err)
	}

	apiClient.SetCounterSource(s.nextCounter)
	apiClient.SetProofSigner(s.signProof)
	return s, nil
}

func (s *Session) loadDeviceKey() error {
	found, err := s.store.Get(deviceKeyStoreKey, nil, &s.deviceKey)
	if err != nil {
		return fmt.Errorf("load device key: %w", err)
	}
	if found {
		return nil
	}
	if s.deviceKey, err = crypto.RandomKey(); err != nil {
		return err
	}
	return s.store.Set(deviceKeyStoreKey, s.deviceKey, nil)
}

// loadPoPKey restores the persisted PoP keypair or generates a fresh
// one. The private key is AEAD-encrypted at rest under the device key.
func (s *Session) loadPoPKey() error {
	var der []byte
	found, err := s.store.Get(popKeyStoreKey, s.deviceKey, &der)
	if err != nil {
		// An undecryptable key blob means the store was tampered with
		// or the device key rotated; start over with a fresh keypair.
		s.log.WithError(err).Warn("persisted session key unreadable, regenerating")
		found = false
	}
	if found {
		key, err := crypto.ParseSigningKey(der)
		if err == nil {
			s.popKey = key
			return nil
		}
		s.log.WithError(err).Warn("persisted session key invalid, regenerating")
	}

	key, err := crypto.GenerateSigningKey()
	if err != nil {
		return err
	}
	der, err = crypto.MarshalSigningKey(key)
	if err != nil {
		return err
	}
	if err := s.store.Set(popKeyStoreKey, der, s.deviceKey); err != nil {
		return fmt.Errorf("persist session key: %w", err)
	}
	s.popKey = key
	return nil
}

// nextCounter advances and persists the per-session call counter.
func (s *Session) nextCounter() (uint64, error) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	s.counter++
	if err := s.store.Set(counterStoreKey, s.counter, nil); err != nil {
		return 0, err
	}
	return s.counter, nil
}

// signProof creates the DPoP possession proof for an outgoing request.
func (s *Session) signProof(method, url string) (string, error) {
	s.mu.Lock()
	key := s.popKey
	s.mu.Unlock()
	return dpop.Proof(key, method, url, dpop.Options{Expiry: time.Minute})
}

// popPublicKey returns the SPKI encoding of the PoP public key for
// registration with the server.
func (s *Session) popPublicKey() (string, error) {
	s.mu.Lock()
	key := s.popKey
	s.mu.Unlock()
	der, err := crypto.MarshalVerifyingKey(&key.PublicKey)
	if err != nil {
		return "", err
	}
	return crypto.ToBase64(der), nil
}

// guard enforces the gatekeeping rules before an authenticated call:
// step-up requirements are rejected locally without a round trip, and
// an expired access lease triggers a single possession-proof refresh.
func (s *Session) guard(ctx context.Context, advanced bool) error {
	s.mu.Lock()
	if s.dek == nil {
		s.mu.Unlock()
		return ErrNotSignedIn
	}
	if advanced && !time.Now().Before(s.elevatedUntil) {
		s.mu.Unlock()
		return ErrStepUpRequired
	}
	expired := !time.Now().Before(s.accessUntil)
	s.mu.Unlock()

	if !expired {
		return nil
	}
	if err := s.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return nil
}

// Refresh proves possession of the session's private key to obtain a
// new access lease: fetch a server nonce, sign it, submit the
// signature. Concurrent callers share a single in-flight refresh.
func (s *Session) Refresh(ctx context.Context) error {
	_, err, _ := s.refresh.Do("refresh", func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()

		nonce, err := s.api.RefreshNonce(ctx)
		if err != nil {
			return nil, wrapError(err)
		}

		s.mu.Lock()
		key := s.popKey
		s.mu.Unlock()

		sig, err := crypto.Sign(key, []byte(nonce))
		if err != nil {
			return nil, err
		}

		lease, err := s.api.Refresh(ctx, nonce, crypto.ToBase64URL(sig))
		if err != nil {
			return nil, wrapError(err)
		}

		s.mu.Lock()
		s.accessUntil = time.Now().Add(lease.Duration())
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// Elevate requests a step-up session with a one-time code from the
// user's authenticator. Operations like password changes require an
// active elevated session.
func (s *Session) Elevate(ctx context.Context, code string) error {
	if err := s.guard(ctx, false); err != nil {
		return err
	}
	lease, err := s.api.Elevate(ctx, code)
	if err != nil {
		return wrapError(err)
	}
	s.mu.Lock()
	s.elevatedUntil = time.Now().Add(lease.Duration())
	s.mu.Unlock()
	return nil
}

// ElevateTOTP generates the current TOTP code for the given base32
// secret and requests a step-up session with it.
func (s *Session) ElevateTOTP(ctx context.Context, secret string) error {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return fmt.Errorf("generate one-time code: %w", err)
	}
	return s.Elevate(ctx, code)
}

// SignedIn reports whether the key hierarchy is loaded.
func (s *Session) SignedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dek != nil
}

// Elevated reports whether a step-up session is currently active.
func (s *Session) Elevated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.elevatedUntil)
}

// UserID returns the server-assigned account identifier, empty before
// sign-in.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Email returns the signed-in account's email address.
func (s *Session) Email() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email
}

// setKeys installs the key hierarchy after sign-in or registration.
func (s *Session) setKeys(userID, email string, salt, kek, dek []byte, lease time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.email = email
	s.salt = salt
	s.kek = kek
	s.dek = dek
	s.accessUntil = time.Now().Add(lease)
}

// rotateKEK swaps the KEK after a password change. The DEK is
// unchanged.
func (s *Session) rotateKEK(kek []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.kek)
	s.kek = kek
}

// dataKey returns the DEK, or ErrNotSignedIn.
func (s *Session) dataKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dek == nil {
		return nil, ErrNotSignedIn
	}
	return s.dek, nil
}

// keyMaterial returns the salt, KEK and DEK for flows that re-derive
// or re-wrap keys.
func (s *Session) keyMaterial() (salt, kek, dek []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dek == nil {
		return nil, nil, nil, ErrNotSignedIn
	}
	return s.salt, s.kek, s.dek, nil
}

// chatKey derives the chat-store key from the KEK. Chat key material
// is compartmentalized from the vault DEK.
func (s *Session) chatKey() ([]byte, error) {
	s.mu.Lock()
	kek := s.kek
	s.mu.Unlock()
	if kek == nil {
		return nil, ErrNotSignedIn
	}
	return crypto.Expand(kek, crypto.InfoChat, crypto.KeySize)
}

// SignOut drops the key hierarchy and leases. The PoP keypair stays
// persisted; a later sign-in reuses it.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.kek)
	zero(s.dek)
	s.kek = nil
	s.dek = nil
	s.salt = nil
	s.userID = ""
	s.email = ""
	s.accessUntil = time.Time{}
	s.elevatedUntil = time.Time{}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
