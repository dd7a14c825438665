package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Register creates a new account. SkipProof is not set because the PoP
// keypair already exists at registration time and the server records
// its public key from the request body.
func (c *Client) Register(ctx context.Context, params *RegisterParams) (*RegisterResult, error) {
	var result RegisterResult
	err := c.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/register",
		Body:   params,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Salt fetches the account's KDF salt so the client can derive the KEK
// before signing in.
func (c *Client) Salt(ctx context.Context, email string) (string, error) {
	var result struct {
		Salt string `json:"salt"`
	}
	err := c.Do(ctx, &Request{
		Method:    http.MethodPost,
		Path:      "/v1/auth/salt",
		Body:      map[string]string{"email": email},
		SkipProof: true,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Salt, nil
}

// SignIn authenticates with the login verifier and returns the wrapped
// DEK. SkipProof: this is the bootstrap call that registers the PoP
// public key in the first place.
func (c *Client) SignIn(ctx context.Context, params *SignInParams) (*SignInResult, error) {
	var result SignInResult
	err := c.Do(ctx, &Request{
		Method:    http.MethodPost,
		Path:      "/v1/auth/signin",
		Body:      params,
		SkipProof: true,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RefreshNonce requests a fresh server nonce for the PoP refresh.
func (c *Client) RefreshNonce(ctx context.Context) (string, error) {
	var result struct {
		Nonce string `json:"nonce"`
	}
	err := c.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   "/v1/auth/nonce",
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Nonce, nil
}

// Refresh submits the signed nonce and returns a new access lease.
func (c *Client) Refresh(ctx context.Context, nonce, signature string) (*SessionLease, error) {
	var result SessionLease
	err := c.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/refresh",
		Body:   map[string]string{"nonce": nonce, "signature": signature},
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Elevate requests a step-up session using a one-time code.
func (c *Client) Elevate(ctx context.Context, code string) (*SessionLease, error) {
	var result SessionLease
	err := c.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/elevate",
		Auth:   "otp " + code,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ChangePassword submits re-wrapped key material for a KEK rotation.
func (c *Client) ChangePassword(ctx context.Context, params *ChangePasswordParams) error {
	return c.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/v1/auth/password",
		Body:   params,
	}, nil)
}

// VaultStatus returns the server-side record count, used to detect
// deletions the incremental sync path would miss.
func (c *Client) VaultStatus(ctx context.Context) (*VaultStatus, error) {
	var result VaultStatus
	err := c.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   "/v1/vault/status",
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRecords fetches record envelopes. A nil updatedAfter requests
// the full set including tombstones.
func (c *Client) ListRecords(ctx context.Context, updatedAfter *time.Time) ([]RecordEnvelope, error) {
	query := url.Values{}
	if updatedAfter != nil {
		query.Set("updated_after", strconv.FormatInt(updatedAfter.Unix(), 10))
	}

	var result struct {
		Records []RecordEnvelope `json:"records"`
	}
	err := c.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   "/v1/vault/records",
		Query:  query,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

// PutRecord upserts a record envelope and returns the stored version
// with server-side timestamps.
func (c *Client) PutRecord(ctx context.Context, envelope *RecordEnvelope) (*RecordEnvelope, error) {
	var result RecordEnvelope
	err := c.Do(ctx, &Request{
		Method: http.MethodPut,
		Path:   "/v1/vault/records/" + url.PathEscape(envelope.ID),
		Body:   envelope,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteRecord soft-deletes a record server-side.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	return c.Do(ctx, &Request{
		Method: http.MethodDelete,
		Path:   "/v1/vault/records/" + url.PathEscape(id),
	}, nil)
}

// StoreBackup uploads an encrypted backup blob as raw octets.
func (c *Client) StoreBackup(ctx context.Context, blob []byte) error {
	return c.Do(ctx, &Request{
		Method:  http.MethodPost,
		Path:    "/v1/vault/backup",
		RawBody: blob,
	}, nil)
}

// FetchBackup downloads the stored backup blob.
func (c *Client) FetchBackup(ctx context.Context) ([]byte, error) {
	return c.DoRaw(ctx, &Request{
		Method: http.MethodGet,
		Path:   "/v1/vault/backup",
	})
}

// CreateLink stores an encrypted one-time payload under scope and id.
func (c *Client) CreateLink(ctx context.Context, params *LinkParams) error {
	return c.Do(ctx, &Request{
		Method:    http.MethodPost,
		Path:      "/v1/link",
		Body:      params,
		SkipProof: true,
	}, nil)
}

// FetchLink retrieves (and server-side consumes) a one-time payload.
func (c *Client) FetchLink(ctx context.Context, scope, id string) (string, error) {
	var result LinkResult
	err := c.Do(ctx, &Request{
		Method:    http.MethodGet,
		Path:      "/v1/link/" + url.PathEscape(scope) + "/" + url.PathEscape(id),
		SkipProof: true,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Data, nil
}
