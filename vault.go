package keyfold

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/keyfold/client-go/internal/api"
	"github.com/keyfold/client-go/internal/crypto"
)

// Vault is the encrypted record store. Records are encrypted under the
// DEK before leaving the process; the server holds only envelopes of
// ciphertext plus sync metadata.
type Vault struct {
	client *Client

	mu       sync.RWMutex
	records  map[string]*Record
	lastSync time.Time

	flight singleflight.Group
}

func newVault(c *Client) *Vault {
	return &Vault{
		client:  c,
		records: make(map[string]*Record),
	}
}

// Register creates a new account and signs it in. The password is
// stretched into the KEK locally; the server receives the login
// verifier, the KDF salt, the wrapped DEK and the session public key.
func (v *Vault) Register(ctx context.Context, email, password string) error {
	if err := v.client.checkOpen(); err != nil {
		return err
	}
	c := v.client

	salt, err := crypto.RandomSalt()
	if err != nil {
		return err
	}
	kek := crypto.DeriveKey([]byte(password), salt, c.cfg.kdfIterations)

	dek, err := crypto.RandomKey()
	if err != nil {
		return err
	}
	wrapped, err := crypto.Seal(kek, dek)
	if err != nil {
		return err
	}

	verifier, err := loginVerifier(kek)
	if err != nil {
		return err
	}
	popKey, err := c.session.popPublicKey()
	if err != nil {
		return err
	}

	result, err := c.api.Register(ctx, &api.RegisterParams{
		Email:        email,
		Verifier:     verifier,
		WrappedDEK:   crypto.ToBase64(wrapped),
		Salt:         crypto.ToBase64(salt),
		PoPPublicKey: popKey,
	})
	if err != nil {
		return wrapError(err)
	}

	c.session.setKeys(result.UserID, email, salt, kek, dek, result.Duration())
	return nil
}

// SignIn derives the KEK from the password, authenticates with the
// login verifier and unwraps the DEK from the response. A wrong
// password that somehow passes server-side verification still fails
// here: the derived KEK cannot unwrap the DEK.
func (v *Vault) SignIn(ctx context.Context, email, password string) error {
	if err := v.client.checkOpen(); err != nil {
		return err
	}
	c := v.client

	saltB64, err := c.api.Salt(ctx, email)
	if err != nil {
		return wrapError(err)
	}
	salt, err := crypto.FromBase64(saltB64)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}

	kek := crypto.DeriveKey([]byte(password), salt, c.cfg.kdfIterations)
	verifier, err := loginVerifier(kek)
	if err != nil {
		return err
	}
	popKey, err := c.session.popPublicKey()
	if err != nil {
		return err
	}

	result, err := c.api.SignIn(ctx, &api.SignInParams{
		Email:        email,
		Verifier:     verifier,
		PoPPublicKey: popKey,
	})
	if err != nil {
		return wrapError(err)
	}

	wrapped, err := crypto.FromBase64(result.WrappedDEK)
	if err != nil {
		return fmt.Errorf("decode wrapped key: %w", err)
	}
	dek, err := crypto.Open(kek, wrapped)
	if err != nil {
		return &DecryptionError{Stage: "key unwrap", Err: err}
	}

	c.session.setKeys(result.UserID, email, salt, kek, dek, result.Duration())
	v.reset()
	return nil
}

// SignOut drops the in-memory key hierarchy and the decrypted record
// cache.
func (v *Vault) SignOut() {
	v.client.session.SignOut()
	v.reset()
}

// ChangePassword rotates the KEK: the DEK is re-wrapped under the new
// KEK and the verifier replaced, all other sessions are invalidated
// server-side. Requires an active step-up session.
func (v *Vault) ChangePassword(ctx context.Context, newPassword string) error {
	if err := v.client.checkOpen(); err != nil {
		return err
	}
	c := v.client

	if err := c.session.guard(ctx, true); err != nil {
		return err
	}

	salt, _, dek, err := c.session.keyMaterial()
	if err != nil {
		return err
	}

	newKEK := crypto.DeriveKey([]byte(newPassword), salt, c.cfg.kdfIterations)
	wrapped, err := crypto.Seal(newKEK, dek)
	if err != nil {
		return err
	}
	verifier, err := loginVerifier(newKEK)
	if err != nil {
		return err
	}

	err = c.api.ChangePassword(ctx, &api.ChangePasswordParams{
		Verifier:   verifier,
		WrappedDEK: crypto.ToBase64(wrapped),
	})
	if err != nil {
		return wrapError(err)
	}

	c.session.rotateKEK(newKEK)
	return nil
}

// Put stores a record: encrypt under the DEK, upload the envelope,
// update the local cache with the server's timestamps. A record with
// an empty ID gets a fresh one.
func (v *Vault) Put(ctx context.Context, record *Record) (*Record, error) {
	if err := v.client.checkOpen(); err != nil {
		return nil, err
	}
	c := v.client

	if err := c.session.guard(ctx, false); err != nil {
		return nil, err
	}
	if record.ID == "" {
		record.ID = NewRecordID()
	}

	data, err := v.encryptRecord(record)
	if err != nil {
		return nil, err
	}

	envelope, err := c.api.PutRecord(ctx, &api.RecordEnvelope{
		ID:   record.ID,
		Data: data,
	})
	if err != nil {
		return nil, wrapError(err)
	}

	stored := record.clone()
	stored.CreatedAt = envelope.CreatedAt
	stored.UpdatedAt = envelope.UpdatedAt

	v.mu.Lock()
	v.records[stored.ID] = stored
	v.mu.Unlock()
	return stored.clone(), nil
}

// Remove deletes a record. The server keeps a tombstone so other
// devices pick the deletion up on incremental sync.
func (v *Vault) Remove(ctx context.Context, id string) error {
	if err := v.client.checkOpen(); err != nil {
		return err
	}
	c := v.client

	if err := c.session.guard(ctx, false); err != nil {
		return err
	}
	if err := c.api.DeleteRecord(ctx, id); err != nil {
		return wrapError(err)
	}

	v.mu.Lock()
	delete(v.records, id)
	v.mu.Unlock()
	return nil
}

// Get returns the cached record with the given id.
func (v *Vault) Get(id string) (*Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.records[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Records returns all cached records sorted by ID. Call Synchronize
// first to pull server-side changes.
func (v *Vault) Records() []*Record {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]*Record, 0, len(v.records))
	for _, r := range v.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of cached records.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.records)
}

// reset clears the decrypted cache and the sync cursor, forcing the
// next synchronization to be a full one.
func (v *Vault) reset() {
	v.mu.Lock()
	v.records = make(map[string]*Record)
	v.lastSync = time.Time{}
	v.mu.Unlock()
}

func (v *Vault) encryptRecord(record *Record) (string, error) {
	dek, err := v.client.session.dataKey()
	if err != nil {
		return "", err
	}
	plain, err := msgpack.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	blob, err := crypto.Seal(dek, plain)
	if err != nil {
		return "", err
	}
	return crypto.ToBase64(blob), nil
}

func (v *Vault) decryptRecord(envelope *api.RecordEnvelope) (*Record, error) {
	dek, err := v.client.session.dataKey()
	if err != nil {
		return nil, err
	}
	blob, err := crypto.FromBase64(envelope.Data)
	if err != nil {
		return nil, &DecryptionError{Stage: "record " + envelope.ID, Err: err}
	}
	plain, err := crypto.Open(dek, blob)
	if err != nil {
		return nil, &DecryptionError{Stage: "record " + envelope.ID, Err: err}
	}

	var record Record
	if err := msgpack.Unmarshal(plain, &record); err != nil {
		return nil, &DecryptionError{Stage: "record " + envelope.ID, Err: err}
	}
	record.ID = envelope.ID
	record.CreatedAt = envelope.CreatedAt
	record.UpdatedAt = envelope.UpdatedAt
	return &record, nil
}

// loginVerifier derives the authentication value sent to the server.
// A one-way expansion of the KEK: the server can check it without
// learning anything usable for decryption.
func loginVerifier(kek []byte) (string, error) {
	verifier, err := crypto.Expand(kek, crypto.InfoVerifier, crypto.KeySize)
	if err != nil {
		return "", err
	}
	return crypto.ToBase64(verifier), nil
}
