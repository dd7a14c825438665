package keyfold

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keyfold/client-go/internal/api"
	"github.com/keyfold/client-go/internal/crypto"
)

// testIterations keeps the KDF fast in tests.
const testIterations = 16

// testAccount is the server-side view of a registered account.
type testAccount struct {
	userID     string
	email      string
	verifier   string
	wrappedDEK string
	salt       string
	popKey     string
}

type testRecord struct {
	data      string
	createdAt time.Time
	updatedAt time.Time
	deleted   bool
}

// testServer fakes the Keyfold API for client tests. It stores only
// what the real server would see: verifiers, wrapped keys and
// ciphertext envelopes.
type testServer struct {
	t  *testing.T
	mu sync.Mutex

	accounts map[string]*testAccount // email -> account
	records  map[string]*testRecord  // id -> record
	links    map[string]string       // scope_id -> data
	backup   []byte
	nonces   map[string]bool
	nextUser int

	// failStatus forces every request to fail while non-zero.
	failStatus int
	// requireProof rejects protected calls without a DPoP header.
	requireProof bool

	seenCounters []uint64
}

func newTestServer(t *testing.T) (*testServer, *httptest.Server) {
	ts := &testServer{
		t:        t,
		accounts: make(map[string]*testAccount),
		records:  make(map[string]*testRecord),
		links:    make(map[string]string),
		nonces:   make(map[string]bool),
	}
	srv := httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(srv.Close)
	return ts, srv
}

// newTestClient builds a client against the fake server with a fresh
// store file.
func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithBaseURL(srv.URL),
		WithStorePath(filepath.Join(t.TempDir(), "keyfold.db")),
		WithKDFIterations(testIterations),
		WithRetries(0),
	}
	client, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.failStatus != 0 {
		writeJSONError(w, ts.failStatus, "forced failure")
		return
	}
	if n := r.Header.Get(api.CounterHeader); n != "" {
		v, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad counter")
			return
		}
		ts.seenCounters = append(ts.seenCounters, v)
	}

	path := r.URL.Path
	switch {
	case path == "/v1/auth/register" && r.Method == http.MethodPost:
		ts.register(w, r)
	case path == "/v1/auth/salt" && r.Method == http.MethodPost:
		ts.salt(w, r)
	case path == "/v1/auth/signin" && r.Method == http.MethodPost:
		ts.signIn(w, r)
	case path == "/v1/auth/nonce" && r.Method == http.MethodGet:
		ts.nonce(w, r)
	case path == "/v1/auth/refresh" && r.Method == http.MethodPost:
		ts.refresh(w, r)
	case path == "/v1/auth/elevate" && r.Method == http.MethodPost:
		ts.elevate(w, r)
	case path == "/v1/auth/password" && r.Method == http.MethodPost:
		ts.changePassword(w, r)
	case path == "/v1/vault/status" && r.Method == http.MethodGet:
		ts.status(w, r)
	case path == "/v1/vault/records" && r.Method == http.MethodGet:
		ts.listRecords(w, r)
	case strings.HasPrefix(path, "/v1/vault/records/") && r.Method == http.MethodPut:
		ts.putRecord(w, r, strings.TrimPrefix(path, "/v1/vault/records/"))
	case strings.HasPrefix(path, "/v1/vault/records/") && r.Method == http.MethodDelete:
		ts.deleteRecord(w, r, strings.TrimPrefix(path, "/v1/vault/records/"))
	case path == "/v1/vault/backup" && r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		ts.backup = body
		w.WriteHeader(http.StatusNoContent)
	case path == "/v1/vault/backup" && r.Method == http.MethodGet:
		w.Write(ts.backup)
	case path == "/v1/link" && r.Method == http.MethodPost:
		ts.createLink(w, r)
	case strings.HasPrefix(path, "/v1/link/") && r.Method == http.MethodGet:
		ts.fetchLink(w, r, strings.TrimPrefix(path, "/v1/link/"))
	default:
		writeJSONError(w, http.StatusNotFound, "no such endpoint")
	}
}

func (ts *testServer) register(w http.ResponseWriter, r *http.Request) {
	var params api.RegisterParams
	json.NewDecoder(r.Body).Decode(&params)
	if _, ok := ts.accounts[params.Email]; ok {
		writeJSONError(w, http.StatusConflict, "account exists")
		return
	}
	ts.nextUser++
	account := &testAccount{
		userID:     fmt.Sprintf("user-%d", ts.nextUser),
		email:      params.Email,
		verifier:   params.Verifier,
		wrappedDEK: params.WrappedDEK,
		salt:       params.Salt,
		popKey:     params.PoPPublicKey,
	}
	ts.accounts[params.Email] = account
	writeJSON(w, map[string]any{"user_id": account.userID, "expires_in": 900})
}

func (ts *testServer) salt(w http.ResponseWriter, r *http.Request) {
	var params struct {
		Email string `json:"email"`
	}
	json.NewDecoder(r.Body).Decode(&params)
	account, ok := ts.accounts[params.Email]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such account")
		return
	}
	writeJSON(w, map[string]string{"salt": account.salt})
}

func (ts *testServer) signIn(w http.ResponseWriter, r *http.Request) {
	var params api.SignInParams
	json.NewDecoder(r.Body).Decode(&params)
	account, ok := ts.accounts[params.Email]
	if !ok || account.verifier != params.Verifier {
		writeJSONError(w, http.StatusUnauthorized, "bad credentials")
		return
	}
	account.popKey = params.PoPPublicKey
	writeJSON(w, map[string]any{
		"user_id":     account.userID,
		"wrapped_dek": account.wrappedDEK,
		"salt":        account.salt,
		"expires_in":  900,
	})
}

func (ts *testServer) nonce(w http.ResponseWriter, r *http.Request) {
	nonce, _ := crypto.RandomBytes(16)
	encoded := crypto.ToBase64URL(nonce)
	ts.nonces[encoded] = true
	writeJSON(w, map[string]string{"nonce": encoded})
}

func (ts *testServer) refresh(w http.ResponseWriter, r *http.Request) {
	var params struct {
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
	}
	json.NewDecoder(r.Body).Decode(&params)
	if !ts.nonces[params.Nonce] {
		writeJSONError(w, http.StatusUnauthorized, "unknown nonce")
		return
	}
	delete(ts.nonces, params.Nonce)

	// Verify the possession proof against the registered public key.
	for _, account := range ts.accounts {
		if account.popKey == "" {
			continue
		}
		der, err := crypto.FromBase64(account.popKey)
		if err != nil {
			continue
		}
		pub, err := crypto.ParseVerifyingKey(der)
		if err != nil {
			continue
		}
		sig, err := crypto.FromBase64URL(params.Signature)
		if err != nil {
			continue
		}
		if crypto.Verify(pub, sig, []byte(params.Nonce)) {
			writeJSON(w, map[string]any{"expires_in": 900})
			return
		}
	}
	writeJSONError(w, http.StatusUnauthorized, "bad signature")
}

func (ts *testServer) elevate(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "otp ") || len(auth) != len("otp ")+6 {
		writeJSONError(w, http.StatusUnauthorized, "bad one-time code")
		return
	}
	writeJSON(w, map[string]any{"expires_in": 300})
}

func (ts *testServer) changePassword(w http.ResponseWriter, r *http.Request) {
	var params api.ChangePasswordParams
	json.NewDecoder(r.Body).Decode(&params)
	for _, account := range ts.accounts {
		account.verifier = params.Verifier
		account.wrappedDEK = params.WrappedDEK
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ts *testServer) status(w http.ResponseWriter, r *http.Request) {
	count := 0
	for _, rec := range ts.records {
		if !rec.deleted {
			count++
		}
	}
	writeJSON(w, map[string]int{"count": count})
}

func (ts *testServer) listRecords(w http.ResponseWriter, r *http.Request) {
	if ts.requireProof && r.Header.Get(api.ProofHeader) == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing proof")
		return
	}

	var after time.Time
	if raw := r.URL.Query().Get("updated_after"); raw != "" {
		unix, _ := strconv.ParseInt(raw, 10, 64)
		after = time.Unix(unix, 0)
	}

	envelopes := make([]api.RecordEnvelope, 0)
	for id, rec := range ts.records {
		if !after.IsZero() && rec.updatedAt.Before(after) {
			continue
		}
		envelopes = append(envelopes, api.RecordEnvelope{
			ID:        id,
			Data:      rec.data,
			CreatedAt: rec.createdAt,
			UpdatedAt: rec.updatedAt,
			Deleted:   rec.deleted,
		})
	}
	writeJSON(w, map[string]any{"records": envelopes})
}

func (ts *testServer) putRecord(w http.ResponseWriter, r *http.Request, id string) {
	var envelope api.RecordEnvelope
	json.NewDecoder(r.Body).Decode(&envelope)

	now := time.Now().UTC()
	rec, ok := ts.records[id]
	if !ok {
		rec = &testRecord{createdAt: now}
		ts.records[id] = rec
	}
	rec.data = envelope.Data
	rec.updatedAt = now
	rec.deleted = false

	writeJSON(w, api.RecordEnvelope{
		ID:        id,
		Data:      rec.data,
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	})
}

func (ts *testServer) deleteRecord(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := ts.records[id]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such record")
		return
	}
	rec.deleted = true
	rec.data = ""
	rec.updatedAt = time.Now().UTC()
	w.WriteHeader(http.StatusNoContent)
}

func (ts *testServer) createLink(w http.ResponseWriter, r *http.Request) {
	var params api.LinkParams
	json.NewDecoder(r.Body).Decode(&params)
	key := params.Scope + "_" + params.ID
	if _, ok := ts.links[key]; ok {
		writeJSONError(w, http.StatusConflict, "link exists")
		return
	}
	ts.links[key] = params.Data
	w.WriteHeader(http.StatusCreated)
}

// fetchLink consumes the link: one read, then gone.
func (ts *testServer) fetchLink(w http.ResponseWriter, r *http.Request, rest string) {
	scope, id, ok := strings.Cut(rest, "/")
	if !ok {
		writeJSONError(w, http.StatusNotFound, "bad link path")
		return
	}
	key := scope + "_" + id
	data, found := ts.links[key]
	if !found {
		writeJSONError(w, http.StatusNotFound, "no such link")
		return
	}
	delete(ts.links, key)
	writeJSON(w, map[string]string{"data": data})
}

// setFail forces all subsequent requests to fail with the status, or
// restores normal operation when status is zero.
func (ts *testServer) setFail(status int) {
	ts.mu.Lock()
	ts.failStatus = status
	ts.mu.Unlock()
}

func (ts *testServer) recordCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, rec := range ts.records {
		if !rec.deleted {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
