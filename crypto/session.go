package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// ErrFingerprintMismatch is returned when a peer's advertised
// fingerprint does not match their public key.
var ErrFingerprintMismatch = errors.New("peer fingerprint does not match public key")

// sessionKeyInfo is the HKDF info string binding derived keys to this
// protocol. Changing it invalidates every established session.
const sessionKeyInfo = "whisperlink-session-v1"

// Session holds the cryptographic state shared with exactly one peer.
// At most one active session exists per peer; re-establishing replaces
// the previous session rather than merging with it.
type Session struct {
	ID              string
	PeerID          string
	PeerPublicKey   [32]byte
	PeerFingerprint string
	CreatedAt       time.Time
	LastActivity    time.Time

	key [32]byte

	mu sync.Mutex
}

// EstablishSession performs the key agreement between the local
// identity and a peer's public key, producing the session key material.
// The advertised fingerprint is verified against the key before any
// derivation happens.
func EstablishSession(local *KeyPair, peerID string, peerPublicKey [32]byte, peerFingerprint string) (*Session, error) {
	if local == nil {
		return nil, errors.New("local key pair is nil")
	}
	if isZeroKey(peerPublicKey) {
		return nil, errors.New("peer public key is all zeros")
	}
	if peerFingerprint != Fingerprint(peerPublicKey) {
		return nil, ErrFingerprintMismatch
	}

	shared, err := noise.DH25519.DH(local.Private[:], peerPublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	key, err := deriveSessionKey(shared, local.Public, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("session key derivation failed: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:              uuid.NewString(),
		PeerID:          peerID,
		PeerPublicKey:   peerPublicKey,
		PeerFingerprint: peerFingerprint,
		CreatedAt:       now,
		LastActivity:    now,
		key:             key,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "EstablishSession",
		"session_id":  session.ID,
		"peer_id":     peerID,
		"fingerprint": peerFingerprint[:8],
	}).Info("Established session")

	return session, nil
}

// deriveSessionKey derives a 32-byte symmetric key from the raw DH
// output. Both public keys are mixed into the salt, sorted so that
// initiator and responder derive the same key.
func deriveSessionKey(shared []byte, a, b [32]byte) ([32]byte, error) {
	var key [32]byte

	lo, hi := a, b
	if lexGreater(lo, hi) {
		lo, hi = hi, lo
	}
	salt := sha256.New()
	salt.Write(lo[:])
	salt.Write(hi[:])

	reader := hkdf.New(sha256.New, shared, salt.Sum(nil), []byte(sessionKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func lexGreater(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// Touch updates the session's last-activity time.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}
