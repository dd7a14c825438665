package keyfold

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestRefreshRenewsLease(t *testing.T) {
	_, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "refresh@example.com", "a password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Expire the lease locally; the next guarded call refreshes by
	// proving possession of the session key.
	client.session.mu.Lock()
	client.session.accessUntil = time.Now().Add(-time.Minute)
	client.session.mu.Unlock()

	if _, err := client.Vault().Put(ctx, &Record{Secrets: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("Put() after lease expiry error = %v", err)
	}

	client.session.mu.Lock()
	renewed := time.Now().Before(client.session.accessUntil)
	client.session.mu.Unlock()
	if !renewed {
		t.Fatal("lease not renewed by refresh")
	}
}

func TestRefreshFailureSurfacesSessionExpired(t *testing.T) {
	ts, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "expired@example.com", "a password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	client.session.mu.Lock()
	client.session.accessUntil = time.Now().Add(-time.Minute)
	client.session.mu.Unlock()
	ts.setFail(401)

	_, err := client.Vault().Put(ctx, &Record{Secrets: map[string]string{"k": "v"}})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("error = %v, want ErrSessionExpired", err)
	}
}

func TestStepUpRejectedLocally(t *testing.T) {
	ts, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "stepup@example.com", "a password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// No round trip happens for the local step-up check: force every
	// request to fail and confirm the error is still ErrStepUpRequired.
	ts.setFail(500)
	err := client.Vault().ChangePassword(ctx, "another password")
	if !errors.Is(err, ErrStepUpRequired) {
		t.Fatalf("error = %v, want ErrStepUpRequired", err)
	}
}

func TestElevateTOTP(t *testing.T) {
	_, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "totp@example.com", "a password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "keyfold-test", AccountName: "totp@example.com"})
	if err != nil {
		t.Fatalf("totp.Generate() error = %v", err)
	}
	if err := client.Session().ElevateTOTP(ctx, key.Secret()); err != nil {
		t.Fatalf("ElevateTOTP() error = %v", err)
	}
	if !client.Session().Elevated() {
		t.Fatal("expected elevated session")
	}
}

func TestCounterStrictlyIncreases(t *testing.T) {
	ts, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "counter@example.com", "a password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := client.Vault().Put(ctx, &Record{Secrets: map[string]string{"k": "v"}}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	ts.mu.Lock()
	counters := append([]uint64(nil), ts.seenCounters...)
	ts.mu.Unlock()
	if len(counters) < 4 {
		t.Fatalf("saw %d counters, want at least 4", len(counters))
	}
	for i := 1; i < len(counters); i++ {
		if counters[i] <= counters[i-1] {
			t.Fatalf("counter not strictly increasing: %v", counters)
		}
	}
}

func TestCounterSurvivesRestart(t *testing.T) {
	ts, srv := newTestServer(t)
	ctx := context.Background()
	storePath := filepath.Join(t.TempDir(), "keyfold.db")

	first, err := New(
		WithBaseURL(srv.URL),
		WithStorePath(storePath),
		WithKDFIterations(testIterations),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Vault().Register(ctx, "restart@example.com", "a password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	first.Close()

	ts.mu.Lock()
	high := ts.seenCounters[len(ts.seenCounters)-1]
	ts.mu.Unlock()

	// A new process on the same store must continue the counter, not
	// restart it.
	second, err := New(
		WithBaseURL(srv.URL),
		WithStorePath(storePath),
		WithKDFIterations(testIterations),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer second.Close()
	if err := second.Vault().SignIn(ctx, "restart@example.com", "a password"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	ts.mu.Lock()
	next := ts.seenCounters[len(ts.seenCounters)-1]
	ts.mu.Unlock()
	if next <= high {
		t.Fatalf("counter after restart = %d, want > %d", next, high)
	}
}

func TestPoPKeyPersistsAcrossRestart(t *testing.T) {
	_, srv := newTestServer(t)
	storePath := filepath.Join(t.TempDir(), "keyfold.db")

	first, err := New(WithBaseURL(srv.URL), WithStorePath(storePath))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	firstKey, err := first.session.popPublicKey()
	if err != nil {
		t.Fatalf("popPublicKey() error = %v", err)
	}
	first.Close()

	second, err := New(WithBaseURL(srv.URL), WithStorePath(storePath))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer second.Close()
	secondKey, err := second.session.popPublicKey()
	if err != nil {
		t.Fatalf("popPublicKey() error = %v", err)
	}

	if firstKey != secondKey {
		t.Fatal("session keypair not restored from store")
	}
}

func TestSignOutWipesKeys(t *testing.T) {
	_, srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.Vault().Register(ctx, "wipe@example.com", "a password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	client.Vault().SignOut()

	if client.Session().SignedIn() {
		t.Fatal("still signed in after SignOut")
	}
	if _, err := client.session.dataKey(); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("dataKey() error = %v, want ErrNotSignedIn", err)
	}
	if _, err := client.session.chatKey(); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("chatKey() error = %v, want ErrNotSignedIn", err)
	}
}

func TestClosedClient(t *testing.T) {
	_, srv := newTestServer(t)
	client := newTestClient(t, srv)
	client.Close()

	if _, err := client.Vault().Put(context.Background(), &Record{}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Put() error = %v, want ErrClientClosed", err)
	}
	if _, err := client.Connect(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Connect() error = %v, want ErrClientClosed", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
