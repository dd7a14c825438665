package keyfold

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/keyfold/client-go/internal/api"
	"github.com/keyfold/client-go/internal/crypto"
)

// Link references a one-time encrypted payload. The server stores the
// ciphertext under (scope, ID) and deletes it on first fetch or
// expiry; the key never reaches the server. ID and key travel together
// in the URL fragment, which browsers do not send over the wire, so
// whoever holds the full link can open it exactly once.
type Link struct {
	ID    string
	Scope string
	Key   []byte
}

// LinkOption configures CreateLink.
type LinkOption func(*Link)

// WithLinkID pins the link identifier instead of generating one. Used
// when the identifier is agreed out of band.
func WithLinkID(id string) LinkOption {
	return func(l *Link) { l.ID = id }
}

// WithLinkKey pins the payload key instead of generating one.
func WithLinkKey(key []byte) LinkOption {
	return func(l *Link) { l.Key = key }
}

// CreateLink encrypts data under a fresh key and stores the ciphertext
// server-side for at most ttl. Scope namespaces link kinds ("share",
// "invite") so an identifier cannot be replayed across features.
func (c *Client) CreateLink(ctx context.Context, scope string, ttl time.Duration, data []byte, opts ...LinkOption) (*Link, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	link := &Link{Scope: scope}
	for _, opt := range opts {
		opt(link)
	}
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	if link.Key == nil {
		key, err := crypto.RandomKey()
		if err != nil {
			return nil, err
		}
		link.Key = key
	}

	blob, err := crypto.Seal(link.Key, data)
	if err != nil {
		return nil, err
	}

	err = c.api.CreateLink(ctx, &api.LinkParams{
		ID:    link.ID,
		Scope: scope,
		TTL:   int(ttl.Seconds()),
		Data:  crypto.ToBase64(blob),
	})
	if err != nil {
		return nil, wrapError(err)
	}
	return link, nil
}

// OpenLink fetches and decrypts a one-time payload. Every failure mode
// collapses into ErrLinkUnavailable: a caller cannot distinguish
// "never existed", "already consumed", "expired" and "wrong key", and
// neither can someone probing for valid identifiers.
func (c *Client) OpenLink(ctx context.Context, link *Link) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	dataB64, err := c.api.FetchLink(ctx, link.Scope, link.ID)
	if err != nil {
		c.cfg.logger.WithError(err).Debug("link fetch failed")
		return nil, ErrLinkUnavailable
	}
	blob, err := crypto.FromBase64(dataB64)
	if err != nil {
		return nil, ErrLinkUnavailable
	}
	data, err := crypto.Open(link.Key, blob)
	if err != nil {
		return nil, ErrLinkUnavailable
	}
	return data, nil
}

// Fragment renders the link's secret part, "id.key", for the URL
// fragment.
func (l *Link) Fragment() string {
	return l.ID + "." + crypto.ToBase64URL(l.Key)
}

// URL renders a full shareable URL on the given base, for example
// "https://app.keyfold.io/s". The secret part rides in the fragment.
func (l *Link) URL(base string) string {
	return strings.TrimRight(base, "/") + "/" + l.Scope + "#" + l.Fragment()
}

// QRCode renders the shareable URL as a PNG for scanning between
// devices.
func (l *Link) QRCode(base string, size int) ([]byte, error) {
	return qrcode.Encode(l.URL(base), qrcode.Medium, size)
}

// ParseLinkFragment parses the "id.key" fragment produced by Fragment.
func ParseLinkFragment(scope, fragment string) (*Link, error) {
	id, keyB64, ok := strings.Cut(fragment, ".")
	if !ok || id == "" {
		return nil, fmt.Errorf("malformed link fragment")
	}
	key, err := crypto.FromBase64URL(keyB64)
	if err != nil {
		return nil, fmt.Errorf("malformed link fragment: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("malformed link fragment: bad key size")
	}
	return &Link{ID: id, Scope: scope, Key: key}, nil
}
