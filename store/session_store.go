package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// StoredSession is the durable record of a per-peer session. It holds
// enough to rediscover prior peers after a restart; the symmetric key
// material itself is never persisted, a restart re-handshakes.
type StoredSession struct {
	ID              string `json:"id"`
	PeerID          string `json:"peerId"`
	PeerPublicKey   string `json:"peerPublicKey"`
	PeerFingerprint string `json:"peerFingerprint"`
	CreatedAt       int64  `json:"createdAt"`
	LastActivity    int64  `json:"lastActivity"`
}

func sessionKey(peerID string) []byte {
	return []byte(prefixSession + peerID)
}

// SaveSession persists a session record, replacing any previous record
// for the same peer. One session per peer, re-establishing replaces.
func (s *Store) SaveSession(session *StoredSession) error {
	if session.PeerID == "" {
		return errors.New("session peer id is required")
	}

	value, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.PeerID), value)
	})
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"function":   "SaveSession",
		"session_id": session.ID,
		"peer_id":    session.PeerID,
	}).Debug("Session persisted")
	return nil
}

// GetSession loads the session record for a peer.
func (s *Store) GetSession(peerID string) (*StoredSession, error) {
	value, err := s.get(sessionKey(peerID))
	if err != nil {
		return nil, err
	}
	var session StoredSession
	if err := json.Unmarshal(value, &session); err != nil {
		return nil, fmt.Errorf("corrupted session for %s: %w", peerID, err)
	}
	return &session, nil
}

// GetAllSessions returns every persisted session record.
func (s *Store) GetAllSessions() ([]*StoredSession, error) {
	var sessions []*StoredSession
	prefix := []byte(prefixSession)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var session StoredSession
			if err := json.Unmarshal(value, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a peer's session record.
func (s *Store) DeleteSession(peerID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(peerID))
	})
}
