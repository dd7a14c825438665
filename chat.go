package keyfold

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/keyfold/client-go/internal/crypto"
	"github.com/keyfold/client-go/internal/store"
)

// Store keys for persisted chat state.
const (
	chatContactsKey = "chat_contacts"
	chatPendingKey  = "chat_pending"
	chatRequestsKey = "chat_requests"
)

// Wire frame types.
const (
	frameRequest  = "chat_request"
	frameResponse = "chat_response"
	frameDelete   = "chat_delete"
	frameMessage  = "msg"
)

// frame is the chat wire format, carried encrypted inside channel
// frames. Only the fields for the given Type are populated.
type frame struct {
	Type       string `msgpack:"type"`
	From       string `msgpack:"from"`
	Email      string `msgpack:"email,omitempty"`
	Recipient  string `msgpack:"recipient,omitempty"`
	ID         string `msgpack:"id,omitempty"`
	Timestamp  int64  `msgpack:"ts,omitempty"`
	PublicKey  []byte `msgpack:"public_key,omitempty"`
	Ciphertext []byte `msgpack:"ciphertext,omitempty"`
	Sign       []byte `msgpack:"sign,omitempty"`
}

// wireMessage is the plaintext a message frame's ciphertext protects.
type wireMessage struct {
	ID        string `msgpack:"id"`
	Body      string `msgpack:"body"`
	Timestamp int64  `msgpack:"ts"`
}

// Contact is an established conversation peer. The shared secret stays
// unexported; it never leaves the chat subsystem.
type Contact struct {
	UUID     string
	Email    string
	Nickname string

	secret []byte
}

// ChatRequest is an incoming handshake awaiting Accept or Reject.
type ChatRequest struct {
	From      string
	Email     string
	Timestamp time.Time
}

// ChatMessage is a decrypted message from the local log.
type ChatMessage struct {
	ID        string
	Body      string
	Timestamp time.Time
	// Self marks messages sent from this device.
	Self bool
}

// Persisted forms. Chat state is serialized and AEAD-encrypted under a
// key expanded from the KEK, separate from the vault DEK, so chat key
// material is compartmentalized from vault key material.
type storedContact struct {
	UUID     string `msgpack:"uuid"`
	Email    string `msgpack:"email"`
	Nickname string `msgpack:"nickname"`
	Secret   []byte `msgpack:"secret"`
}

// pendingKey is the transitional handshake state for one peer: our
// ephemeral private key on the initiator side, the peer's public key
// on the responder side. The initiator also notes the email the peer
// was addressed by, used when the response frame does not carry one.
type pendingKey struct {
	Private    []byte `msgpack:"private,omitempty"`
	PeerPublic []byte `msgpack:"peer_public,omitempty"`
	Email      string `msgpack:"email,omitempty"`
}

type storedRequest struct {
	From      string `msgpack:"from"`
	Email     string `msgpack:"email"`
	Timestamp int64  `msgpack:"ts"`
}

// transport delivers serialized chat frames to the server for relay.
type transport interface {
	send(ctx context.Context, payload []byte) error
}

// Chat is the end-to-end encrypted messaging surface. Pairwise secrets
// are agreed via an ECDH handshake; every message is encrypted under
// the pair's secret before it reaches the transport, and the server
// relays ciphertext without persisting it.
type Chat struct {
	client *Client
	subs   *subscriptionManager

	mu        sync.Mutex
	loaded    bool
	contacts  map[string]*storedContact
	pending   map[string]*pendingKey
	requests  map[string]*storedRequest
	transport transport
}

func newChat(c *Client) *Chat {
	return &Chat{
		client:   c,
		subs:     newSubscriptionManager(),
		contacts: make(map[string]*storedContact),
		pending:  make(map[string]*pendingKey),
		requests: make(map[string]*storedRequest),
	}
}

func (ch *Chat) setTransport(t transport) {
	ch.mu.Lock()
	ch.transport = t
	ch.mu.Unlock()
}

func (ch *Chat) shutdown() {
	ch.subs.clear()
	ch.mu.Lock()
	ch.transport = nil
	ch.loaded = false
	ch.contacts = make(map[string]*storedContact)
	ch.pending = make(map[string]*pendingKey)
	ch.requests = make(map[string]*storedRequest)
	ch.mu.Unlock()
}

// load restores persisted chat state. Caller holds ch.mu.
func (ch *Chat) load() error {
	if ch.loaded {
		return nil
	}
	key, err := ch.client.session.chatKey()
	if err != nil {
		return err
	}
	st := ch.client.store
	if _, err := st.Get(chatContactsKey, key, &ch.contacts); err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	if _, err := st.Get(chatPendingKey, key, &ch.pending); err != nil {
		return fmt.Errorf("load pending handshakes: %w", err)
	}
	if _, err := st.Get(chatRequestsKey, key, &ch.requests); err != nil {
		return fmt.Errorf("load chat requests: %w", err)
	}
	if ch.contacts == nil {
		ch.contacts = make(map[string]*storedContact)
	}
	if ch.pending == nil {
		ch.pending = make(map[string]*pendingKey)
	}
	if ch.requests == nil {
		ch.requests = make(map[string]*storedRequest)
	}
	ch.loaded = true
	return nil
}

// persist writes the state maps back encrypted. Caller holds ch.mu.
func (ch *Chat) persist() error {
	key, err := ch.client.session.chatKey()
	if err != nil {
		return err
	}
	st := ch.client.store
	if err := st.Set(chatContactsKey, ch.contacts, key); err != nil {
		return err
	}
	if err := st.Set(chatPendingKey, ch.pending, key); err != nil {
		return err
	}
	return st.Set(chatRequestsKey, ch.requests, key)
}

func (ch *Chat) sendFrame(ctx context.Context, f *frame) error {
	t := ch.transport
	if t == nil {
		return ErrNotConnected
	}
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode chat frame: %w", err)
	}
	return t.send(ctx, payload)
}

// Request starts a handshake with a peer: generate an ephemeral
// agreement keypair, hold the private key pending, send the public key
// with the request. The email the peer was addressed by is kept with
// the pending state and becomes the contact's email if the response
// does not supply one.
func (ch *Chat) Request(ctx context.Context, peerUUID, email string) error {
	if err := ch.client.checkOpen(); err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.load(); err != nil {
		return err
	}
	if _, ok := ch.contacts[peerUUID]; ok {
		return ErrAlreadyEstablished
	}

	key, err := crypto.GenerateAgreementKey()
	if err != nil {
		return err
	}

	err = ch.sendFrame(ctx, &frame{
		Type:      frameRequest,
		From:      ch.client.session.UserID(),
		Email:     ch.client.session.Email(),
		Recipient: peerUUID,
		Timestamp: time.Now().UnixMilli(),
		PublicKey: key.Public,
	})
	if err != nil {
		return err
	}

	ch.pending[peerUUID] = &pendingKey{Private: key.Private, Email: email}
	return ch.persist()
}

// Accept completes an incoming handshake: generate our own keypair,
// derive the shared secret from the initiator's public key, establish
// the contact and send our public key back. The pending entry and the
// surfaced request are cleared in the same step.
func (ch *Chat) Accept(ctx context.Context, peerUUID string) (*Contact, error) {
	if err := ch.client.checkOpen(); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.load(); err != nil {
		return nil, err
	}

	pending, ok := ch.pending[peerUUID]
	if !ok || pending.PeerPublic == nil {
		return nil, ErrNoPendingRequest
	}
	req := ch.requests[peerUUID]

	key, err := crypto.GenerateAgreementKey()
	if err != nil {
		return nil, err
	}
	secret, err := crypto.SharedSecret(key.Private, pending.PeerPublic)
	if err != nil {
		return nil, err
	}

	err = ch.sendFrame(ctx, &frame{
		Type:      frameResponse,
		From:      ch.client.session.UserID(),
		Email:     ch.client.session.Email(),
		Recipient: peerUUID,
		PublicKey: key.Public,
	})
	if err != nil {
		return nil, err
	}

	stored := &storedContact{UUID: peerUUID, Secret: secret}
	if req != nil {
		stored.Email = req.Email
	}
	ch.contacts[peerUUID] = stored
	delete(ch.pending, peerUUID)
	delete(ch.requests, peerUUID)
	if err := ch.persist(); err != nil {
		return nil, err
	}
	return contactOf(stored), nil
}

// Reject discards an incoming request without responding.
func (ch *Chat) Reject(peerUUID string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.load(); err != nil {
		return err
	}
	if _, ok := ch.requests[peerUUID]; !ok {
		return ErrNoPendingRequest
	}
	delete(ch.requests, peerUUID)
	delete(ch.pending, peerUUID)
	return ch.persist()
}

// Send encrypts a message under the pair's shared secret, persists a
// local plaintext copy and hands the frame to the transport. Returns
// the message id.
func (ch *Chat) Send(ctx context.Context, peerUUID, body string) (string, error) {
	if err := ch.client.checkOpen(); err != nil {
		return "", err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.load(); err != nil {
		return "", err
	}
	contact, ok := ch.contacts[peerUUID]
	if !ok {
		return "", ErrUnknownContact
	}

	id := NewRecordID()
	now := time.Now()
	plain, err := msgpack.Marshal(&wireMessage{
		ID:        id,
		Body:      body,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	ciphertext, err := crypto.Seal(contact.Secret, plain)
	if err != nil {
		return "", err
	}

	err = ch.sendFrame(ctx, &frame{
		Type:       frameMessage,
		From:       ch.client.session.UserID(),
		Recipient:  peerUUID,
		ID:         id,
		Timestamp:  now.UnixMilli(),
		Ciphertext: ciphertext,
	})
	if err != nil {
		return "", err
	}

	err = ch.client.store.AppendMessage(peerUUID, &store.Message{
		ID:        id,
		Body:      body,
		Timestamp: now.UnixMilli(),
		Self:      true,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes an established conversation on both sides. The
// deletion frame carries an HMAC of our uuid under the shared secret;
// the peer only honors deletions whose proof verifies, so knowing a
// uuid alone is not enough to destroy someone's conversation.
func (ch *Chat) Delete(ctx context.Context, peerUUID string) error {
	if err := ch.client.checkOpen(); err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.load(); err != nil {
		return err
	}
	contact, ok := ch.contacts[peerUUID]
	if !ok {
		return ErrUnknownContact
	}

	own := ch.client.session.UserID()
	err := ch.sendFrame(ctx, &frame{
		Type:      frameDelete,
		From:      own,
		Recipient: peerUUID,
		Sign:      crypto.MAC(contact.Secret, []byte(own)),
	})
	if err != nil {
		return err
	}

	delete(ch.contacts, peerUUID)
	if err := ch.persist(); err != nil {
		return err
	}
	return ch.client.store.DeleteChat(peerUUID)
}

// DeleteMessage removes a single message from the local log.
func (ch *Chat) DeleteMessage(peerUUID, messageID string) error {
	return ch.client.store.DeleteMessage(peerUUID, messageID)
}

// Messages returns the local message log for a conversation, oldest
// first.
func (ch *Chat) Messages(peerUUID string) ([]ChatMessage, error) {
	stored, err := ch.client.store.Messages(peerUUID)
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, len(stored))
	for i, m := range stored {
		out[i] = ChatMessage{
			ID:        m.ID,
			Body:      m.Body,
			Timestamp: time.UnixMilli(m.Timestamp),
			Self:      m.Self,
		}
	}
	return out, nil
}

// Contacts returns the established conversation peers sorted by uuid.
func (ch *Chat) Contacts() ([]*Contact, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.load(); err != nil {
		return nil, err
	}
	out := make([]*Contact, 0, len(ch.contacts))
	for _, c := range ch.contacts {
		out = append(out, contactOf(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// SetNickname renames a contact locally.
func (ch *Chat) SetNickname(peerUUID, nickname string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.load(); err != nil {
		return err
	}
	contact, ok := ch.contacts[peerUUID]
	if !ok {
		return ErrUnknownContact
	}
	contact.Nickname = nickname
	return ch.persist()
}

// Requests returns the incoming handshakes awaiting Accept or Reject.
func (ch *Chat) Requests() ([]*ChatRequest, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.load(); err != nil {
		return nil, err
	}
	out := make([]*ChatRequest, 0, len(ch.requests))
	for _, r := range ch.requests {
		out = append(out, &ChatRequest{
			From:      r.From,
			Email:     r.Email,
			Timestamp: time.UnixMilli(r.Timestamp),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Subscribe registers a callback for all chat events; an unsubscribe
// function is returned.
func (ch *Chat) Subscribe(callback func(*ChatEvent)) func() {
	return ch.subs.subscribe("", callback)
}

// SubscribePeer registers for events from one peer only.
func (ch *Chat) SubscribePeer(peerUUID string, callback func(*ChatEvent)) func() {
	return ch.subs.subscribe(peerUUID, callback)
}

// WatchMessages returns a channel of incoming messages. The channel is
// closed when cancel is called; slow consumers drop events rather than
// stalling delivery.
func (ch *Chat) WatchMessages() (<-chan *ChatEvent, func()) {
	return ch.watch(EventMessage)
}

// WatchRequests returns a channel of incoming chat requests.
func (ch *Chat) WatchRequests() (<-chan *ChatEvent, func()) {
	return ch.watch(EventRequest)
}

func (ch *Chat) watch(eventType ChatEventType) (<-chan *ChatEvent, func()) {
	events := make(chan *ChatEvent, 16)
	var mu sync.Mutex
	closed := false

	unsubscribe := ch.subs.subscribe("", func(e *ChatEvent) {
		if e.Type != eventType {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case events <- e:
		default:
			ch.client.cfg.logger.Warn("chat watcher full, event dropped")
		}
	})
	cancel := func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(events)
		}
	}
	return events, cancel
}

// handleFrame dispatches one decrypted inbound frame. The channel's
// read loop calls it from a single goroutine, so frames for the same
// peer are applied in receipt order.
func (ch *Chat) handleFrame(payload []byte) {
	var f frame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		ch.client.cfg.logger.WithError(err).Warn("undecodable chat frame dropped")
		return
	}

	ch.mu.Lock()
	if err := ch.load(); err != nil {
		ch.mu.Unlock()
		ch.client.cfg.logger.WithError(err).Warn("chat state unavailable, frame dropped")
		return
	}

	var event *ChatEvent
	switch f.Type {
	case frameRequest:
		event = ch.handleRequest(&f)
	case frameResponse:
		event = ch.handleResponse(&f)
	case frameMessage:
		event = ch.handleMessage(&f)
	case frameDelete:
		event = ch.handleDelete(&f)
	default:
		ch.client.cfg.logger.WithField("type", f.Type).Warn("unknown chat frame type dropped")
	}
	ch.mu.Unlock()

	if event != nil {
		ch.subs.notify(event)
	}
}

// handleRequest records an incoming handshake. Caller holds ch.mu.
func (ch *Chat) handleRequest(f *frame) *ChatEvent {
	if len(f.PublicKey) == 0 || f.From == "" {
		return nil
	}
	if _, ok := ch.contacts[f.From]; ok {
		ch.client.cfg.logger.WithField("peer", f.From).Warn("chat request from established contact dropped")
		return nil
	}

	ch.pending[f.From] = &pendingKey{PeerPublic: f.PublicKey}
	ch.requests[f.From] = &storedRequest{
		From:      f.From,
		Email:     f.Email,
		Timestamp: f.Timestamp,
	}
	if err := ch.persist(); err != nil {
		ch.client.cfg.logger.WithError(err).Warn("persist chat request failed")
		return nil
	}
	return &ChatEvent{
		Type:      EventRequest,
		From:      f.From,
		Email:     f.Email,
		Timestamp: time.UnixMilli(f.Timestamp),
	}
}

// handleResponse completes the initiator side of the handshake. A
// response without a matching pending private key is stale (the
// request was cancelled or already completed) and must not create any
// state.
func (ch *Chat) handleResponse(f *frame) *ChatEvent {
	pending, ok := ch.pending[f.From]
	if !ok || pending.Private == nil {
		ch.client.cfg.logger.WithField("peer", f.From).Warn("unsolicited chat response dropped")
		return nil
	}

	secret, err := crypto.SharedSecret(pending.Private, f.PublicKey)
	if err != nil {
		ch.client.cfg.logger.WithError(err).WithField("peer", f.From).Warn("chat response key agreement failed")
		return nil
	}

	email := f.Email
	if email == "" {
		email = pending.Email
	}
	ch.contacts[f.From] = &storedContact{
		UUID:   f.From,
		Email:  email,
		Secret: secret,
	}
	delete(ch.pending, f.From)
	if err := ch.persist(); err != nil {
		ch.client.cfg.logger.WithError(err).Warn("persist established contact failed")
		return nil
	}
	return &ChatEvent{
		Type:  EventEstablished,
		From:  f.From,
		Email: email,
	}
}

// handleMessage decrypts and stores an incoming message. A message
// from a peer without an established contact has no shared secret and
// cannot be processed.
func (ch *Chat) handleMessage(f *frame) *ChatEvent {
	contact, ok := ch.contacts[f.From]
	if !ok {
		ch.client.cfg.logger.WithField("peer", f.From).Warn("message from unknown contact dropped")
		return nil
	}

	plain, err := crypto.Open(contact.Secret, f.Ciphertext)
	if err != nil {
		ch.client.cfg.logger.WithField("peer", f.From).Warn("undecryptable message dropped")
		return nil
	}
	var msg wireMessage
	if err := msgpack.Unmarshal(plain, &msg); err != nil {
		ch.client.cfg.logger.WithField("peer", f.From).Warn("malformed message dropped")
		return nil
	}

	err = ch.client.store.AppendMessage(f.From, &store.Message{
		ID:        msg.ID,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		ch.client.cfg.logger.WithError(err).Warn("persist incoming message failed")
	}
	return &ChatEvent{
		Type:      EventMessage,
		From:      f.From,
		Email:     contact.Email,
		MessageID: msg.ID,
		Body:      msg.Body,
		Timestamp: time.UnixMilli(msg.Timestamp),
	}
}

// handleDelete verifies the deletion proof before removing anything.
// The proof is an HMAC of the sender's uuid under the shared secret we
// hold for that sender; a mismatch means the sender does not actually
// hold the secret.
func (ch *Chat) handleDelete(f *frame) *ChatEvent {
	contact, ok := ch.contacts[f.From]
	if !ok {
		return nil
	}
	if !crypto.VerifyMAC(contact.Secret, []byte(f.From), f.Sign) {
		ch.client.cfg.logger.WithField("peer", f.From).Warn("chat deletion with invalid proof dropped")
		return nil
	}

	delete(ch.contacts, f.From)
	if err := ch.persist(); err != nil {
		ch.client.cfg.logger.WithError(err).Warn("persist chat deletion failed")
	}
	if err := ch.client.store.DeleteChat(f.From); err != nil {
		ch.client.cfg.logger.WithError(err).Warn("delete chat messages failed")
	}
	return &ChatEvent{
		Type:  EventDeleted,
		From:  f.From,
		Email: contact.Email,
	}
}

func contactOf(s *storedContact) *Contact {
	return &Contact{
		UUID:     s.UUID,
		Email:    s.Email,
		Nickname: s.Nickname,
		secret:   append([]byte(nil), s.Secret...),
	}
}
