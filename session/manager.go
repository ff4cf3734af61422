// Package session manages per-peer cryptographic sessions: it
// establishes, caches, and persists exactly one session per peer, and
// drives the key-request handshake when a peer's public key is not
// yet known.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisperlink/crypto"
	"github.com/opd-ai/whisperlink/protocol"
	"github.com/opd-ai/whisperlink/store"
)

// DefaultKeyRequestTimeout is the deadline for an unanswered
// key_request.
const DefaultKeyRequestTimeout = 10 * time.Second

var (
	// ErrKeyRequestTimeout is returned when a peer does not answer a
	// key_request within the deadline.
	ErrKeyRequestTimeout = errors.New("key request timed out")
	// ErrDestroyed is returned for operations on a destroyed manager;
	// pending requests reject with it rather than hang.
	ErrDestroyed = errors.New("session manager destroyed")
)

// Sender transmits protocol frames. Satisfied by transport.Manager.
type Sender interface {
	Send(t protocol.MessageType, payload interface{}) bool
}

// KeyInfo is the result of a resolved key request.
type KeyInfo struct {
	UserID      string
	PublicKey   [32]byte
	Fingerprint string
}

type keyResult struct {
	info *KeyInfo
	err  error
}

// pendingKeyRequest is the single in-flight request for one target
// user. Concurrent callers attach as waiters instead of creating
// duplicate frames or timers.
type pendingKeyRequest struct {
	targetUserID string
	timer        *time.Timer
	waiters      []chan keyResult
}

// Manager owns the identity key pair for the process lifetime and the
// per-peer session cache.
type Manager struct {
	localID  string
	identity *crypto.KeyPair
	store    *store.Store
	sender   Sender
	log      *logrus.Logger

	keyRequestTimeout time.Duration

	mu        sync.Mutex
	sessions  map[string]*crypto.Session
	pending   map[string]*pendingKeyRequest
	destroyed bool

	onEstablished func(*crypto.Session)
}

// NewManager creates a session manager bound to the local identity.
func NewManager(localID string, identity *crypto.KeyPair, st *store.Store, sender Sender, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		localID:           localID,
		identity:          identity,
		store:             st,
		sender:            sender,
		log:               logger,
		keyRequestTimeout: DefaultKeyRequestTimeout,
		sessions:          make(map[string]*crypto.Session),
		pending:           make(map[string]*pendingKeyRequest),
	}
}

// SetKeyRequestTimeout overrides the key-request deadline (tests).
func (m *Manager) SetKeyRequestTimeout(d time.Duration) {
	m.mu.Lock()
	m.keyRequestTimeout = d
	m.mu.Unlock()
}

// OnSessionEstablished registers a callback fired after a new session
// is cached and persisted.
func (m *Manager) OnSessionEstablished(callback func(*crypto.Session)) {
	m.mu.Lock()
	m.onEstablished = callback
	m.mu.Unlock()
}

// Identity returns the local key pair. It is held exclusively by this
// manager for the process lifetime and never persisted in plaintext.
func (m *Manager) Identity() *crypto.KeyPair {
	return m.identity
}

// LocalID returns the local user id.
func (m *Manager) LocalID() string {
	return m.localID
}

// HasSession reports whether a cached session exists for the peer.
func (m *Manager) HasSession(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[peerID]
	return ok
}

// CachedSession returns the cached session for a peer, if any.
func (m *Manager) CachedSession(peerID string) (*crypto.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// GetOrCreateSession returns the cached session for the peer
// unchanged, or establishes a new one. A new session is persisted to
// the store before being returned so a restart can rediscover the
// peer.
func (m *Manager) GetOrCreateSession(peerID string, publicKey [32]byte, fingerprint string) (*crypto.Session, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, ErrDestroyed
	}
	if existing, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	session, err := crypto.EstablishSession(m.identity, peerID, publicKey, fingerprint)
	if err != nil {
		return nil, err
	}

	record := &store.StoredSession{
		ID:              session.ID,
		PeerID:          session.PeerID,
		PeerPublicKey:   crypto.PublicKeyToHex(session.PeerPublicKey),
		PeerFingerprint: session.PeerFingerprint,
		CreatedAt:       session.CreatedAt.UnixMilli(),
		LastActivity:    session.LastActivity.UnixMilli(),
	}
	if err := m.store.SaveSession(record); err != nil {
		return nil, err
	}

	m.mu.Lock()
	// A racing establish may have won; reuse it and keep one session
	// per peer.
	if existing, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[peerID] = session
	callback := m.onEstablished
	m.mu.Unlock()

	if callback != nil {
		callback(session)
	}
	return session, nil
}

// InvalidateSession drops a peer's session from cache and store. The
// next message to that peer re-handshakes.
func (m *Manager) InvalidateSession(peerID string) error {
	m.mu.Lock()
	delete(m.sessions, peerID)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function": "InvalidateSession",
		"peer_id":  peerID,
	}).Info("Session invalidated")

	return m.store.DeleteSession(peerID)
}

// RequestPublicKey sends a key_request for the target user and waits
// for the matching key_response. Concurrent requests for the same
// target collapse into one in-flight frame and one timer. The request
// rejects after the configured deadline.
func (m *Manager) RequestPublicKey(ctx context.Context, userID string) (*KeyInfo, error) {
	waiter := make(chan keyResult, 1)

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, ErrDestroyed
	}
	if existing, ok := m.pending[userID]; ok {
		existing.waiters = append(existing.waiters, waiter)
		m.mu.Unlock()
		return m.await(ctx, waiter)
	}

	request := &pendingKeyRequest{
		targetUserID: userID,
		waiters:      []chan keyResult{waiter},
	}
	request.timer = time.AfterFunc(m.keyRequestTimeout, func() {
		m.rejectPending(userID, ErrKeyRequestTimeout)
	})
	m.pending[userID] = request
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function": "RequestPublicKey",
		"target":   userID,
	}).Debug("Sending key request")

	m.sender.Send(protocol.TypeKeyRequest, &protocol.KeyRequestPayload{
		RequesterID:  m.localID,
		TargetUserID: userID,
	})

	return m.await(ctx, waiter)
}

func (m *Manager) await(ctx context.Context, waiter chan keyResult) (*KeyInfo, error) {
	select {
	case result := <-waiter:
		return result.info, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveKeyResponse resolves the pending request matching this user,
// if any. Responses with no matching pending entry are ignored; that
// is not an error.
func (m *Manager) ResolveKeyResponse(userID, publicKeyHex, fingerprint string) {
	publicKey, err := crypto.PublicKeyFromHex(publicKeyHex)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "ResolveKeyResponse",
			"user_id":  userID,
			"error":    err,
		}).Warn("Dropping key response with invalid public key")
		return
	}
	if fingerprint != crypto.Fingerprint(publicKey) {
		m.log.WithFields(logrus.Fields{
			"function": "ResolveKeyResponse",
			"user_id":  userID,
		}).Warn("Dropping key response with mismatched fingerprint")
		return
	}

	m.mu.Lock()
	request, ok := m.pending[userID]
	if ok {
		delete(m.pending, userID)
		request.timer.Stop()
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	info := &KeyInfo{UserID: userID, PublicKey: publicKey, Fingerprint: fingerprint}
	for _, waiter := range request.waiters {
		waiter <- keyResult{info: info}
	}
}

// rejectPending fails every waiter of a pending request and removes
// the entry, so a later identical request starts fresh.
func (m *Manager) rejectPending(userID string, cause error) {
	m.mu.Lock()
	request, ok := m.pending[userID]
	if ok {
		delete(m.pending, userID)
		request.timer.Stop()
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	m.log.WithFields(logrus.Fields{
		"function": "rejectPending",
		"target":   userID,
		"error":    cause,
	}).Warn("Key request failed")

	for _, waiter := range request.waiters {
		waiter <- keyResult{err: cause}
	}
}

// PendingKeyRequests returns the targets with an in-flight request.
func (m *Manager) PendingKeyRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := make([]string, 0, len(m.pending))
	for target := range m.pending {
		targets = append(targets, target)
	}
	return targets
}

// Destroy rejects all pending requests, stops their timers, and
// clears the session cache. Safe to call multiple times; afterwards no
// timer fires and no waiter hangs.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	pending := m.pending
	m.pending = make(map[string]*pendingKeyRequest)
	m.sessions = make(map[string]*crypto.Session)
	m.mu.Unlock()

	for _, request := range pending {
		request.timer.Stop()
		for _, waiter := range request.waiters {
			waiter <- keyResult{err: ErrDestroyed}
		}
	}

	m.log.WithFields(logrus.Fields{
		"function": "Destroy",
		"rejected": len(pending),
	}).Info("Session manager destroyed")
}
