package keyfold

import (
	"context"
	"sync"

	"github.com/keyfold/client-go/internal/api"
	"github.com/keyfold/client-go/internal/store"
)

// Client is the entry point for the Keyfold service. All cryptography
// happens inside the client; the server only ever sees ciphertext.
//
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	cfg     *clientConfig
	api     *api.Client
	store   *store.Store
	session *Session
	vault   *Vault
	chat    *Chat

	mu      sync.Mutex
	channel *Channel
	closed  bool
}

// New creates a client with the given options. Construction is
// offline: no network traffic happens until the first operation.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	st, err := store.Open(cfg.storePath)
	if err != nil {
		return nil, err
	}

	apiOpts := []api.Option{
		api.WithBaseURL(cfg.baseURL),
		api.WithTimeout(cfg.timeout),
		api.WithRetries(cfg.retries),
		api.WithLogger(cfg.logger),
	}
	if len(cfg.retryOn) > 0 {
		apiOpts = append(apiOpts, api.WithRetryOn(cfg.retryOn))
	}
	if cfg.rateRPS > 0 {
		apiOpts = append(apiOpts, api.WithRateLimit(cfg.rateRPS, cfg.rateBurst))
	}
	apiClient := api.New(apiOpts...)
	if cfg.httpClient != nil {
		apiClient.SetHTTPClient(cfg.httpClient)
	}

	session, err := newSession(apiClient, st, cfg.logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		api:     apiClient,
		store:   st,
		session: session,
	}
	c.vault = newVault(c)
	c.chat = newChat(c)
	return c, nil
}

// Session exposes authentication state and the step-up flow.
func (c *Client) Session() *Session { return c.session }

// Vault exposes the encrypted record store.
func (c *Client) Vault() *Vault { return c.vault }

// Chat exposes the end-to-end encrypted messaging surface.
func (c *Client) Chat() *Chat { return c.chat }

// Connect opens the realtime channel used for chat delivery. The
// channel performs its own key agreement with the server; frames are
// encrypted under the resulting transport key independently of the
// per-conversation secrets.
func (c *Client) Connect(ctx context.Context) (*Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.channel != nil {
		ch := c.channel
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	if err := c.session.guard(ctx, false); err != nil {
		return nil, err
	}

	ch, err := dialChannel(ctx, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch.Close()
		return nil, ErrClientClosed
	}
	c.channel = ch
	c.mu.Unlock()

	c.chat.setTransport(ch)
	return ch, nil
}

// checkOpen is called at the top of every public operation.
func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// dropChannel detaches a channel that closed underneath us so a later
// Connect can dial again.
func (c *Client) dropChannel(ch *Channel) {
	c.mu.Lock()
	if c.channel == ch {
		c.channel = nil
	}
	c.mu.Unlock()
}

// Close releases the realtime channel, wipes in-memory key material
// and closes the local store. The client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	c.chat.shutdown()
	c.session.SignOut()
	return c.store.Close()
}
