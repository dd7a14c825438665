// Package api is the HTTP transport for the Keyfold server. It knows
// nothing about the key hierarchy: every payload that crosses it is
// ciphertext or public material. Session gatekeeping (refresh, step-up)
// happens above this package; the per-request possession proof and the
// monotonic counter header are attached here via hooks.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// CounterHeader carries the strictly increasing per-session call
	// counter, a simple replay/ordering signal for the server.
	CounterHeader = "X-Keyfold-Counter"
	// ProofHeader carries the DPoP possession proof.
	ProofHeader = "DPoP"
)

var defaultRetryOn = []int{408, 429, 500, 502, 503, 504}

// ProofSigner produces a possession proof bound to a method and URL.
type ProofSigner func(method, url string) (string, error)

// CounterSource returns the next value of the per-session counter.
type CounterSource func() (uint64, error)

// Client is the HTTP API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	retryOn    map[int]bool
	limiter    *rate.Limiter
	counter    CounterSource
	proof      ProofSigner
	log        *logrus.Logger
}

// Option configures the API client.
type Option func(*Client)

// WithBaseURL sets the base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithRetries sets the number of retries.
func WithRetries(retries int) Option {
	return func(c *Client) { c.retries = retries }
}

// WithRetryOn sets the HTTP status codes that trigger a retry.
func WithRetryOn(statusCodes []int) Option {
	return func(c *Client) {
		c.retryOn = make(map[int]bool, len(statusCodes))
		for _, code := range statusCodes {
			c.retryOn[code] = true
		}
	}
}

// WithRateLimit throttles outgoing requests client-side.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a new API client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: "https://api.keyfold.io",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retries: 3,
		log:     logrus.New(),
	}
	WithRetryOn(defaultRetryOn)(c)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHTTPClient sets a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetProofSigner installs the DPoP proof hook. A nil signer disables
// proof attachment (used before a PoP keypair exists).
func (c *Client) SetProofSigner(signer ProofSigner) {
	c.proof = signer
}

// SetCounterSource installs the per-session counter hook.
func (c *Client) SetCounterSource(source CounterSource) {
	c.counter = source
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request describes a single API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values

	// Body is JSON-marshaled when RawBody is nil.
	Body any
	// RawBody is sent verbatim as application/octet-stream. Used for
	// backup blobs and restore payloads.
	RawBody []byte

	// Auth is an Authorization header value such as "otp 123456".
	Auth string
	// SkipProof omits the possession proof (sign-in bootstrap only).
	SkipProof bool
}

// Do executes the request and JSON-decodes the response into out when
// out is non-nil.
func (c *Client) Do(ctx context.Context, req *Request, out any) error {
	body, err := c.execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DoRaw executes the request and returns the raw response body. Used
// for binary downloads.
func (c *Client) DoRaw(ctx context.Context, req *Request) ([]byte, error) {
	return c.execute(ctx, req)
}

func (c *Client) execute(ctx context.Context, req *Request) ([]byte, error) {
	fullURL := c.baseURL + req.Path
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	var payload []byte
	contentType := ""
	switch {
	case req.RawBody != nil:
		payload = req.RawBody
		contentType = "application/octet-stream"
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
		contentType = "application/json"
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		body, retryable, err := c.attempt(ctx, req, fullURL, contentType, payload, attempt)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.log.WithError(err).WithField("attempt", attempt).Debug("api request retry")
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req *Request, fullURL, contentType string, payload []byte, attempt int) (body []byte, retryable bool, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, reader)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Auth != "" {
		httpReq.Header.Set("Authorization", req.Auth)
	}

	if c.counter != nil {
		n, err := c.counter()
		if err != nil {
			return nil, false, fmt.Errorf("advance call counter: %w", err)
		}
		httpReq.Header.Set(CounterHeader, strconv.FormatUint(n, 10))
	}

	if c.proof != nil && !req.SkipProof {
		proof, err := c.proof(req.Method, fullURL)
		if err != nil {
			return nil, false, fmt.Errorf("create possession proof: %w", err)
		}
		httpReq.Header.Set(ProofHeader, proof)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, &NetworkError{Err: err, URL: fullURL, Attempt: attempt}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := parseErrorResponse(resp)
		return nil, c.retryOn[resp.StatusCode], apiErr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, &NetworkError{Err: err, URL: fullURL, Attempt: attempt}
	}
	return data, false, nil
}

func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    errResp.Error,
			RequestID:  errResp.RequestID,
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}
