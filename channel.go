package keyfold

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/keyfold/client-go/internal/crypto"
)

const channelPath = "/v1/channel"

// helloFrame is the plaintext server handshake message, the only frame
// ever parsed before the transport key exists. It arrives as a text
// frame; encrypted application frames are binary, so the two cannot be
// confused.
type helloFrame struct {
	Type         string `json:"type"`
	PublicKey    string `json:"public_key"`
	ConnectionID string `json:"connection_id"`
	Error        string `json:"error"`
}

// chanFrame is the application frame format, AEAD-encrypted under the
// transport key in both directions.
type chanFrame struct {
	Type string `msgpack:"type"`
	// Token carries the access credential on the auth frame.
	Token string `msgpack:"token,omitempty"`
	// Payload carries an end-to-end encrypted chat frame on relay
	// frames. The transport layer does not look inside it.
	Payload []byte `msgpack:"payload,omitempty"`
	Error   string `msgpack:"error,omitempty"`
}

// Channel is the realtime connection to the server. A fresh X25519
// agreement on every connect yields the transport key; all application
// frames are encrypted under it, on top of whatever TLS provides. The
// relayed chat payloads inside are additionally end-to-end encrypted,
// so the server sees neither layer's plaintext.
type Channel struct {
	client *Client
	conn   *websocket.Conn
	key    []byte
	connID string

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// dialChannel performs the connection handshake: send our ephemeral
// public key with the dial, read the server's public key from the
// plaintext hello, derive the transport key, then authenticate with an
// encrypted credential frame.
func dialChannel(ctx context.Context, c *Client) (*Channel, error) {
	var public, private x25519.Key
	if _, err := rand.Read(private[:]); err != nil {
		return nil, err
	}
	x25519.KeyGen(&public, &private)

	wsURL, err := channelURL(c.cfg.baseURL)
	if err != nil {
		return nil, err
	}
	dialURL := wsURL + "?pk=" + url.QueryEscape(crypto.ToBase64URL(public[:]))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return nil, &NetworkError{Err: err, URL: wsURL}
	}

	ch, err := completeHandshake(ctx, c, conn, &private, wsURL)
	if err != nil {
		conn.Close()
		return nil, err
	}

	go ch.readLoop()
	return ch, nil
}

func completeHandshake(ctx context.Context, c *Client, conn *websocket.Conn, private *x25519.Key, wsURL string) (*Channel, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(c.cfg.timeout))
	}

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, &NetworkError{Err: err, URL: wsURL}
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("channel handshake: unexpected binary frame")
	}

	var hello helloFrame
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, fmt.Errorf("channel handshake: %w", err)
	}
	if hello.Error != "" {
		return nil, fmt.Errorf("channel handshake rejected: %s", hello.Error)
	}

	serverPub, err := crypto.FromBase64URL(hello.PublicKey)
	if err != nil || len(serverPub) != x25519.Size {
		return nil, fmt.Errorf("channel handshake: bad server key")
	}

	var peer, shared x25519.Key
	copy(peer[:], serverPub)
	if ok := x25519.Shared(&shared, private, &peer); !ok {
		return nil, fmt.Errorf("channel handshake: key agreement failed")
	}
	key, err := crypto.Expand(shared[:], crypto.InfoChannel, crypto.KeySize)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		client: c,
		conn:   conn,
		key:    key,
		connID: hello.ConnectionID,
		done:   make(chan struct{}),
	}

	// First encrypted frame carries the access credential. Nothing
	// else is sent or accepted until it is on the wire.
	proof, err := c.session.signProof("CONNECT", wsURL)
	if err != nil {
		return nil, err
	}
	if err := ch.writeFrame(&chanFrame{Type: "auth", Token: proof}); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Time{})
	return ch, nil
}

// ConnectionID returns the server-assigned identifier for this
// connection.
func (ch *Channel) ConnectionID() string { return ch.connID }

// send relays an end-to-end encrypted chat payload through the
// channel. Implements the chat transport.
func (ch *Channel) send(ctx context.Context, payload []byte) error {
	select {
	case <-ch.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return ch.writeFrame(&chanFrame{Type: "relay", Payload: payload})
}

func (ch *Channel) writeFrame(f *chanFrame) error {
	plain, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode channel frame: %w", err)
	}
	sealed, err := crypto.Seal(ch.key, plain)
	if err != nil {
		return err
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
		return &NetworkError{Err: err}
	}
	return nil
}

// readLoop is the single reader: it decrypts inbound frames and hands
// relayed chat payloads to the chat dispatcher in receipt order.
func (ch *Channel) readLoop() {
	log := ch.client.cfg.logger
	defer func() {
		ch.client.dropChannel(ch)
		ch.Close()
	}()

	for {
		messageType, data, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
			default:
				log.WithError(err).Debug("channel closed")
			}
			return
		}

		// Text frames are plaintext server signaling. They carry no
		// application payload and are never decrypted.
		if messageType == websocket.TextMessage {
			var hello helloFrame
			if err := json.Unmarshal(data, &hello); err == nil && hello.Error != "" {
				log.WithField("error", hello.Error).Warn("channel server error")
			}
			continue
		}

		plain, err := crypto.Open(ch.key, data)
		if err != nil {
			log.Warn("undecryptable channel frame dropped")
			continue
		}
		var f chanFrame
		if err := msgpack.Unmarshal(plain, &f); err != nil {
			log.WithError(err).Warn("malformed channel frame dropped")
			continue
		}

		switch f.Type {
		case "relay":
			ch.client.chat.handleFrame(f.Payload)
		case "error":
			log.WithField("error", f.Error).Warn("channel server error")
		default:
			log.WithField("type", f.Type).Warn("unknown channel frame type dropped")
		}
	}
}

// Close tears the connection down. Safe to call multiple times.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.writeMu.Lock()
		ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ch.writeMu.Unlock()
		err = ch.conn.Close()
	})
	return err
}

// channelURL converts the API base URL to the websocket endpoint.
func channelURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + channelPath
	return u.String(), nil
}
