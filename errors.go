package keyfold

import (
	"errors"
	"fmt"

	"github.com/keyfold/client-go/internal/api"
	"github.com/keyfold/client-go/internal/crypto"
)

// Sentinel errors for errors.Is() checks
var (
	// ErrClientClosed is returned when operations are attempted on a closed client.
	ErrClientClosed = errors.New("client has been closed")

	// ErrNotSignedIn is returned when an operation needs the key
	// hierarchy before sign-in or registration has completed.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrSessionExpired is returned when the access lease has lapsed
	// and the possession-proof refresh failed. The caller is expected
	// to redirect to re-authentication; the SDK does not retry.
	ErrSessionExpired = errors.New("session expired")

	// ErrStepUpRequired is returned locally, without a network round
	// trip, when an operation needs an elevated session and none is
	// active.
	ErrStepUpRequired = errors.New("step-up session required")

	// ErrUnauthorized is returned when the server rejects the session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDecryptionFailed is returned when any AEAD decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrSyncFailed is returned when a synchronization round aborts.
	// The local cache is cleared and the next attempt performs a full
	// resync.
	ErrSyncFailed = errors.New("vault sync failed")

	// ErrInvalidBackup is returned when a backup blob is malformed.
	ErrInvalidBackup = errors.New("invalid backup data")

	// ErrLinkUnavailable is returned when a one-time link cannot be
	// retrieved: wrong key, expired, already consumed, or unreachable.
	// These are deliberately not distinguished; retrying a consumed
	// link is never meaningful.
	ErrLinkUnavailable = errors.New("link unavailable")

	// ErrUnknownContact is returned when a chat operation references a
	// peer with no established shared secret.
	ErrUnknownContact = errors.New("unknown contact")

	// ErrNoPendingRequest is returned when accepting a chat request
	// that was never received.
	ErrNoPendingRequest = errors.New("no pending chat request")

	// ErrAlreadyEstablished is returned when requesting a chat with a
	// peer that is already a contact.
	ErrAlreadyEstablished = errors.New("chat already established")

	// ErrNotConnected is returned when a chat operation needs the
	// websocket channel and none is open.
	ErrNotConnected = errors.New("channel not connected")

	// ErrRateLimited is returned when the API rate limit is exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// KeyfoldError is implemented by all SDK errors.
type KeyfoldError interface {
	error
	KeyfoldError() // marker method
}

// APIError represents an HTTP error from the Keyfold API.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("API error %d: %s (request_id: %s)", e.StatusCode, e.Message, e.RequestID)
	}
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d", e.StatusCode)
}

// KeyfoldError implements the KeyfoldError interface.
func (e *APIError) KeyfoldError() {}

// Is implements errors.Is for sentinel error matching.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case 401:
		return target == ErrUnauthorized
	case 403:
		return target == ErrStepUpRequired
	case 429:
		return target == ErrRateLimited
	}
	return false
}

// NetworkError represents a transport-level failure.
type NetworkError struct {
	Err     error
	URL     string
	Attempt int
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// KeyfoldError implements the KeyfoldError interface.
func (e *NetworkError) KeyfoldError() {}

// DecryptionError represents a failed decryption. Stage names the
// protocol layer ("record", "key-unwrap", "backup", "message",
// "frame", "link"), never the cryptographic step, to avoid oracle-style
// leakage in surfaced messages.
type DecryptionError struct {
	Stage string
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed at %s", e.Stage)
}

// Unwrap returns the underlying error.
func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryptionFailed
}

// KeyfoldError implements the KeyfoldError interface.
func (e *DecryptionError) KeyfoldError() {}

// SyncError represents an aborted synchronization round.
type SyncError struct {
	Reason string
	Err    error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault sync failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("vault sync failed: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *SyncError) Is(target error) bool {
	return target == ErrSyncFailed
}

// KeyfoldError implements the KeyfoldError interface.
func (e *SyncError) KeyfoldError() {}

// wrapError converts internal transport errors to public types so that
// errors.Is() checks work with the package sentinels.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			RequestID:  apiErr.RequestID,
		}
	}

	var netErr *api.NetworkError
	if errors.As(err, &netErr) {
		return &NetworkError{
			Err:     netErr.Err,
			URL:     netErr.URL,
			Attempt: netErr.Attempt,
		}
	}

	if errors.Is(err, crypto.ErrDecryptionFailed) {
		return &DecryptionError{Stage: "payload", Err: err}
	}

	return err
}
