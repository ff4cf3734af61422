// Package whisperlink implements the client-side engine of an
// end-to-end-encrypted messaging application: per-peer session
// establishment, the encrypted wire protocol, the offline-first local
// store, and the resilient relay connection that carries it all.
//
// Example:
//
//	identity, _ := crypto.GenerateKeyPair()
//	client, err := whisperlink.New(whisperlink.Options{
//	    UserID:   "alice",
//	    Identity: identity,
//	    RelayURL: "wss://relay.example.com/ws",
//	    StorePath: "/var/lib/whisperlink",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.OnMessage(func(msg *whisperlink.Message) {
//	    fmt.Printf("%s: %s\n", msg.SenderID, msg.Content)
//	})
//	client.Connect(context.Background())
package whisperlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisperlink/crypto"
	"github.com/opd-ai/whisperlink/protocol"
	"github.com/opd-ai/whisperlink/session"
	"github.com/opd-ai/whisperlink/store"
	"github.com/opd-ai/whisperlink/syncer"
	"github.com/opd-ai/whisperlink/transport"
)

// DeliveryStatus is the UI-facing state of a message.
type DeliveryStatus string

const (
	// StatusSending means the envelope is durably queued but the
	// transport has not accepted it yet.
	StatusSending DeliveryStatus = "sending"
	// StatusSent means the transport accepted the frame.
	StatusSent DeliveryStatus = "sent"
	// StatusDelivered means the message arrived and decrypted.
	StatusDelivered DeliveryStatus = "delivered"
)

// Message is the UI-facing record of a chat message. Content is
// plaintext and lives only in memory; the store keeps ciphertext.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Content        string
	Timestamp      time.Time
	Status         DeliveryStatus
	Read           bool
}

// Options configures a Client.
type Options struct {
	// UserID is the local user's relay identifier.
	UserID string
	// Identity is the long-lived key pair. It is held in memory for
	// the process lifetime and never persisted in plaintext; use
	// crypto.CreateKeyBackup for durable copies.
	Identity *crypto.KeyPair
	// RelayURL is the ws:// or wss:// relay endpoint.
	RelayURL string
	// StorePath is the local database directory.
	StorePath string
	// InMemoryStore runs without disk persistence (tests).
	InMemoryStore bool
	// Transport overrides individual connection settings; URL is
	// filled from RelayURL.
	Transport transport.Config

	Logger *logrus.Logger
}

// Client is the secure session and protocol engine. All exported
// methods are safe for concurrent use.
type Client struct {
	userID   string
	log      *logrus.Logger
	conn     *transport.Manager
	store    *store.Store
	sessions *session.Manager
	sync     *syncer.Coordinator

	callbackMu           sync.RWMutex
	onMessage            func(*Message)
	onTyping             func(conversationID, userID string, isTyping bool)
	onPresence           func(userID, status string)
	onReadReceipt        func(conversationID, messageID, readerID string)
	onConnectionChange   func(transport.ConnectionState)
	onSessionEstablished func(peerID, fingerprint string)
	onError              func(error)

	mu        sync.Mutex
	unsubs    []func()
	destroyed bool
}

// New builds a client from options. The relay is not contacted until
// Connect.
func New(options Options) (*Client, error) {
	if options.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if options.Identity == nil {
		return nil, errors.New("identity key pair is required")
	}
	if options.RelayURL == "" {
		return nil, errors.New("relay url is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.New()
	}

	st, err := store.Open(store.Options{
		Path:     options.StorePath,
		InMemory: options.InMemoryStore,
		Logger:   options.Logger,
	})
	if err != nil {
		return nil, err
	}

	transportConfig := options.Transport
	transportConfig.URL = options.RelayURL
	transportConfig.Logger = options.Logger
	conn := transport.NewManager(transportConfig)

	client := &Client{
		userID: options.UserID,
		log:    options.Logger,
		conn:   conn,
		store:  st,
	}
	client.sessions = session.NewManager(options.UserID, options.Identity, st, conn, options.Logger)
	client.sync = syncer.New(options.UserID, st, conn, options.Logger)

	client.sessions.OnSessionEstablished(client.announceSession)
	client.wireHandlers()
	client.sync.Start()

	client.log.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  options.UserID,
		"relay":    options.RelayURL,
	}).Info("Client created")

	return client, nil
}

// wireHandlers subscribes the dispatcher to every inbound frame type
// and routes connection-state transitions to the sync coordinator and
// the UI.
func (c *Client) wireHandlers() {
	subscribe := func(t protocol.MessageType, h transport.FrameHandler) {
		c.unsubs = append(c.unsubs, c.conn.On(t, h))
	}

	subscribe(protocol.TypeMessage, c.handleMessageFrame)
	subscribe(protocol.TypeMessageAck, c.handleAckFrame)
	subscribe(protocol.TypeTyping, c.handleTypingFrame)
	subscribe(protocol.TypePresence, c.handlePresenceFrame)
	subscribe(protocol.TypeKeyRequest, c.handleKeyRequestFrame)
	subscribe(protocol.TypeKeyResponse, c.handleKeyResponseFrame)
	subscribe(protocol.TypeSessionInit, c.handleSessionInitFrame)
	subscribe(protocol.TypeReadReceipt, c.handleReadReceiptFrame)
	subscribe(protocol.TypeSyncResponse, c.handleSyncResponseFrame)

	c.unsubs = append(c.unsubs, c.conn.OnConnectionChange(func(state transport.ConnectionState) {
		c.sync.HandleConnectionState(state)
		c.callbackMu.RLock()
		callback := c.onConnectionChange
		c.callbackMu.RUnlock()
		if callback != nil {
			callback(state)
		}
	}))
}

// announceSession tells the peer about a freshly established session
// and notifies the UI.
func (c *Client) announceSession(s *crypto.Session) {
	c.conn.Send(protocol.TypeSessionInit, &protocol.SessionInitPayload{
		SenderID:    c.userID,
		RecipientID: s.PeerID,
		SessionID:   s.ID,
		PublicKey:   crypto.PublicKeyToHex(c.sessions.Identity().Public),
		Fingerprint: crypto.Fingerprint(c.sessions.Identity().Public),
	})

	c.callbackMu.RLock()
	callback := c.onSessionEstablished
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(s.PeerID, s.PeerFingerprint)
	}
}

// Connect initiates the relay connection.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect tears down the relay connection without touching local
// state. Safe to call multiple times.
func (c *Client) Disconnect() error {
	return c.conn.Disconnect()
}

// ConnectionState returns the current transport state.
func (c *Client) ConnectionState() transport.ConnectionState {
	return c.conn.State()
}

// OnMessage registers the inbound-message callback.
func (c *Client) OnMessage(callback func(*Message)) {
	c.callbackMu.Lock()
	c.onMessage = callback
	c.callbackMu.Unlock()
}

// OnTyping registers the typing-indicator callback.
func (c *Client) OnTyping(callback func(conversationID, userID string, isTyping bool)) {
	c.callbackMu.Lock()
	c.onTyping = callback
	c.callbackMu.Unlock()
}

// OnPresence registers the presence callback.
func (c *Client) OnPresence(callback func(userID, status string)) {
	c.callbackMu.Lock()
	c.onPresence = callback
	c.callbackMu.Unlock()
}

// OnReadReceipt registers the read-receipt callback.
func (c *Client) OnReadReceipt(callback func(conversationID, messageID, readerID string)) {
	c.callbackMu.Lock()
	c.onReadReceipt = callback
	c.callbackMu.Unlock()
}

// OnConnectionChange registers the connection-state callback.
func (c *Client) OnConnectionChange(callback func(transport.ConnectionState)) {
	c.callbackMu.Lock()
	c.onConnectionChange = callback
	c.callbackMu.Unlock()
}

// OnSessionEstablished registers the session callback.
func (c *Client) OnSessionEstablished(callback func(peerID, fingerprint string)) {
	c.callbackMu.Lock()
	c.onSessionEstablished = callback
	c.callbackMu.Unlock()
}

// OnError registers the error callback. Decryption failures and other
// non-fatal conditions surface here instead of crashing loops.
func (c *Client) OnError(callback func(error)) {
	c.callbackMu.Lock()
	c.onError = callback
	c.callbackMu.Unlock()
}

// HasSession reports whether a session with the peer is cached.
func (c *Client) HasSession(peerID string) bool {
	return c.sessions.HasSession(peerID)
}

// GetOrCreateSession returns the cached session for a peer or
// establishes a new one from their public key and fingerprint.
func (c *Client) GetOrCreateSession(peerID string, publicKey [32]byte, fingerprint string) (*crypto.Session, error) {
	return c.sessions.GetOrCreateSession(peerID, publicKey, fingerprint)
}

// Fingerprint returns the local identity fingerprint for out-of-band
// verification.
func (c *Client) Fingerprint() string {
	return crypto.Fingerprint(c.sessions.Identity().Public)
}

// RequestPeerKey fetches a peer's public key and fingerprint through
// the relay. Concurrent requests for the same peer collapse into one
// wire exchange.
func (c *Client) RequestPeerKey(ctx context.Context, peerID string) (*session.KeyInfo, error) {
	return c.sessions.RequestPublicKey(ctx, peerID)
}

// History returns one page of a conversation, oldest-first, decrypting
// envelopes where a session is available. Envelopes without a session
// come back with empty content and their ciphertext untouched.
func (c *Client) History(conversationID string, limit int, beforeTimestamp int64) ([]*Message, error) {
	envelopes, err := c.store.GetMessages(conversationID, limit, beforeTimestamp)
	if err != nil {
		return nil, err
	}

	page := make([]*Message, 0, len(envelopes))
	for _, env := range envelopes {
		msg := &Message{
			ID:             env.ID,
			ConversationID: env.ConversationID,
			SenderID:       env.SenderID,
			RecipientID:    env.RecipientID,
			Timestamp:      time.UnixMilli(env.Timestamp),
			Status:         StatusDelivered,
			Read:           env.Read,
		}
		if !env.Synced {
			msg.Status = StatusSending
		}
		peerID := env.SenderID
		if peerID == c.userID {
			peerID = env.RecipientID
		}
		if s, ok := c.sessions.CachedSession(peerID); ok {
			plaintext, err := crypto.DecryptMessage(s, env.SenderID, env.RecipientID,
				&crypto.SealedMessage{Ciphertext: env.Ciphertext, Nonce: env.Nonce})
			if err == nil {
				msg.Content = string(plaintext)
			}
		}
		page = append(page, msg)
	}
	return page, nil
}

// DeleteMessage removes one message from the local store.
func (c *Client) DeleteMessage(messageID string) error {
	return c.store.DeleteMessage(messageID)
}

// DeleteConversation purges a conversation from the local store.
func (c *Client) DeleteConversation(conversationID string) error {
	return c.store.DeleteConversation(conversationID)
}

// Logout wipes all local state: every envelope, every session, and the
// in-memory caches. The client is destroyed afterwards and cannot be
// reused.
func (c *Client) Logout() error {
	c.conn.Disconnect()
	c.sync.Stop()
	c.sessions.Destroy()

	if err := c.store.ClearAll(); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"function": "Logout",
		"user_id":  c.userID,
	}).Info("Logged out, local state wiped")

	return c.Destroy()
}

// Destroy cancels every loop, timer, and pending request, and closes
// the store. Safe to call multiple times; afterwards no callback or
// timer fires.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	c.sync.Stop()
	c.sessions.Destroy()
	c.conn.Disconnect()
	return c.store.Close()
}

// emitError reports a non-fatal failure to the UI.
func (c *Client) emitError(err error) {
	c.callbackMu.RLock()
	callback := c.onError
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}
