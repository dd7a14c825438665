package keyfold

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRegisterAndPut(t *testing.T) {
	ts, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "alice@example.com", "correct horse"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !client.Session().SignedIn() {
		t.Fatal("expected signed-in session after Register")
	}
	if client.Session().UserID() == "" {
		t.Fatal("expected user id after Register")
	}

	record, err := client.Vault().Put(ctx, &Record{
		Secrets: map[string]string{"username": "alice", "password": "s3cret"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if record.ID == "" {
		t.Fatal("expected generated record id")
	}
	if record.UpdatedAt.IsZero() {
		t.Fatal("expected server timestamp on stored record")
	}

	got, ok := client.Vault().Get(record.ID)
	if !ok {
		t.Fatal("expected record in cache after Put")
	}
	if got.Secrets["password"] != "s3cret" {
		t.Fatalf("Secrets[password] = %q, want %q", got.Secrets["password"], "s3cret")
	}

	// The server must never see plaintext.
	ts.mu.Lock()
	for _, rec := range ts.records {
		if rec.data == "" {
			continue
		}
		if containsAny(rec.data, "alice", "s3cret") {
			t.Fatal("server-side record contains plaintext")
		}
	}
	ts.mu.Unlock()
}

func TestSignInUnwrapsDEK(t *testing.T) {
	ts, srv := newTestServer(t)
	first := newTestClient(t, srv)
	ctx := context.Background()

	if err := first.Vault().Register(ctx, "bob@example.com", "hunter2hunter2"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	record, err := first.Vault().Put(ctx, &Record{Secrets: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	first.Close()

	// A second device signs in and decrypts what the first stored.
	second := newTestClient(t, srv)
	if err := second.Vault().SignIn(ctx, "bob@example.com", "hunter2hunter2"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if err := second.Vault().Synchronize(ctx, true); err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	got, ok := second.Vault().Get(record.ID)
	if !ok {
		t.Fatal("expected record after sync on second device")
	}
	if got.Secrets["k"] != "v" {
		t.Fatalf("Secrets[k] = %q, want %q", got.Secrets["k"], "v")
	}
	_ = ts
}

func TestSignInWrongPassword(t *testing.T) {
	_, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "carol@example.com", "right password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	client.Vault().SignOut()

	err := client.Vault().SignIn(ctx, "carol@example.com", "wrong password")
	if err == nil {
		t.Fatal("expected error for wrong password")
	}
	// The fake server rejects the mismatched verifier before the DEK
	// unwrap is ever attempted.
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
	if client.Session().SignedIn() {
		t.Fatal("session must not be signed in after failed SignIn")
	}
}

func TestSignInWrongWrappedDEK(t *testing.T) {
	ts, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "dave@example.com", "password one"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	client.Vault().SignOut()

	// A compromised or corrupted server hands back a wrapped DEK the
	// derived KEK cannot open. Sign-in must fail with a decryption
	// error even though the verifier check passed.
	ts.mu.Lock()
	for _, account := range ts.accounts {
		account.wrappedDEK = account.salt // valid base64, wrong blob
	}
	ts.mu.Unlock()

	err := client.Vault().SignIn(ctx, "dave@example.com", "password one")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("error = %v, want ErrDecryptionFailed", err)
	}
}

func TestPutRequiresSignIn(t *testing.T) {
	_, srv := newTestServer(t)
	client := newTestClient(t, srv)

	_, err := client.Vault().Put(context.Background(), &Record{Secrets: map[string]string{"a": "b"}})
	if !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("error = %v, want ErrNotSignedIn", err)
	}
}

func TestRemove(t *testing.T) {
	ts, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "erin@example.com", "some password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	record, err := client.Vault().Put(ctx, &Record{Secrets: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := client.Vault().Remove(ctx, record.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := client.Vault().Get(record.ID); ok {
		t.Fatal("record still cached after Remove")
	}
	if n := ts.recordCount(); n != 0 {
		t.Fatalf("server record count = %d, want 0", n)
	}
}

func TestChangePasswordRequiresStepUp(t *testing.T) {
	_, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "frank@example.com", "old password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := client.Vault().ChangePassword(ctx, "new password")
	if !errors.Is(err, ErrStepUpRequired) {
		t.Fatalf("error = %v, want ErrStepUpRequired", err)
	}
}

func TestChangePassword(t *testing.T) {
	_, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "grace@example.com", "old password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	record, err := client.Vault().Put(ctx, &Record{Secrets: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := client.Session().Elevate(ctx, "123456"); err != nil {
		t.Fatalf("Elevate() error = %v", err)
	}
	if err := client.Vault().ChangePassword(ctx, "new password"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	client.Vault().SignOut()

	// Only the new password opens the account, and the DEK survived
	// the rotation: old ciphertext still decrypts.
	if err := client.Vault().SignIn(ctx, "grace@example.com", "old password"); err == nil {
		t.Fatal("old password still accepted after rotation")
	}
	if err := client.Vault().SignIn(ctx, "grace@example.com", "new password"); err != nil {
		t.Fatalf("SignIn(new password) error = %v", err)
	}
	if err := client.Vault().Synchronize(ctx, true); err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	got, ok := client.Vault().Get(record.ID)
	if !ok || got.Secrets["k"] != "v" {
		t.Fatal("record unreadable after password rotation")
	}
}

func TestRecordsSorted(t *testing.T) {
	_, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "heidi@example.com", "a password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := client.Vault().Put(ctx, &Record{Secrets: map[string]string{"n": "x"}}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		time.Sleep(2 * time.Millisecond) // distinct uuidv7 timestamps
	}

	records := client.Vault().Records()
	if len(records) != 3 {
		t.Fatalf("len(Records()) = %d, want 3", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].ID >= records[i].ID {
			t.Fatal("Records() not sorted by ID")
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
