package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// StoredMessage is the durable envelope for one message. Ciphertext
// and nonce are opaque crypto output; plaintext never appears here.
type StoredMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	Ciphertext     []byte `json:"ciphertext"`
	Nonce          []byte `json:"nonce"`
	Timestamp      int64  `json:"timestamp"`
	Synced         bool   `json:"synced"`
	Read           bool   `json:"read"`
}

// messageKey orders envelopes chronologically within a conversation.
// The timestamp is zero-padded so lexicographic order matches
// numeric order.
func messageKey(conversationID string, timestamp int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixMessage, escapeConversationID(conversationID), timestamp, id))
}

// escapeConversationID makes a conversation id safe to embed in a key:
// the escaped form never contains the ':' delimiter, so an id like
// "a:b" cannot bleed into another conversation's prefix range.
func escapeConversationID(conversationID string) string {
	return url.QueryEscape(conversationID)
}

func conversationPrefix(conversationID string) []byte {
	return []byte(prefixMessage + escapeConversationID(conversationID) + ":")
}

func messageIDKey(id string) []byte {
	return []byte(prefixMessageID + id)
}

// SaveMessage persists a new envelope. Saving an id that already
// exists returns ErrMessageExists; envelopes are write-once and only
// MarkSynced / MarkAsRead may mutate them afterwards.
func (s *Store) SaveMessage(msg *StoredMessage) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("message id and conversation id are required")
	}

	key := messageKey(msg.ConversationID, msg.Timestamp, msg.ID)
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(messageIDKey(msg.ID)); err == nil {
			return ErrMessageExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(messageIDKey(msg.ID), key); err != nil {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		if errors.Is(err, ErrMessageExists) {
			return err
		}
		return fmt.Errorf("failed to persist envelope: %w", err)
	}

	if !msg.Synced {
		s.trackPending(msg.ID)
	}

	s.log.WithFields(logrus.Fields{
		"function":     "SaveMessage",
		"message_id":   msg.ID,
		"conversation": msg.ConversationID,
		"synced":       msg.Synced,
	}).Debug("Envelope persisted")

	return nil
}

// HasMessage reports whether an envelope with this id exists.
func (s *Store) HasMessage(id string) (bool, error) {
	_, err := s.get(messageIDKey(id))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetMessage loads one envelope by id.
func (s *Store) GetMessage(id string) (*StoredMessage, error) {
	key, err := s.get(messageIDKey(id))
	if err != nil {
		return nil, err
	}
	value, err := s.get(key)
	if err != nil {
		return nil, err
	}
	var msg StoredMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("corrupted envelope %s: %w", id, err)
	}
	return &msg, nil
}

// GetMessages returns one page of a conversation's history. The page
// contains up to limit envelopes strictly older than beforeTimestamp
// (zero means newest page), ordered oldest-first for display; callers
// prepend successive pages for incremental "load more".
func (s *Store) GetMessages(conversationID string, limit int, beforeTimestamp int64) ([]*StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	prefix := conversationPrefix(conversationID)
	var page []*StoredMessage

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek to the end of the prefix range, then walk backwards.
		seek := append(append([]byte(nil), prefix...), 0xff)
		if beforeTimestamp > 0 {
			seek = []byte(fmt.Sprintf("%s%020d", prefix, beforeTimestamp))
		}

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(page) < limit; it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var msg StoredMessage
			if err := json.Unmarshal(value, &msg); err != nil {
				return err
			}
			if beforeTimestamp > 0 && msg.Timestamp >= beforeTimestamp {
				continue
			}
			page = append(page, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to page conversation %s: %w", conversationID, err)
	}

	// Reverse iteration yields newest-first; flip for display order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// MarkSynced flags an envelope as acknowledged by the relay.
func (s *Store) MarkSynced(id string) error {
	if err := s.mutateMessage(id, func(msg *StoredMessage) { msg.Synced = true }); err != nil {
		return err
	}
	s.untrackPending(id)
	return nil
}

// MarkAsRead flags an envelope as read.
func (s *Store) MarkAsRead(id string) error {
	return s.mutateMessage(id, func(msg *StoredMessage) { msg.Read = true })
}

// mutateMessage applies a flag mutation. Ciphertext, ids, and the
// timestamp are never touched here, which keeps envelopes write-once.
func (s *Store) mutateMessage(id string, mutate func(*StoredMessage)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(messageIDKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var msg StoredMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("corrupted envelope %s: %w", id, err)
		}
		mutate(&msg)
		updated, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return txn.Set(key, updated)
	})
}

// GetUnsynced returns envelopes awaiting acknowledgment, ordered by
// (timestamp, id) ascending. It serves the fast resend-on-reconnect
// path from the in-memory index; ScanUnsynced is the authoritative
// sweep.
func (s *Store) GetUnsynced() ([]*StoredMessage, error) {
	s.pendingMu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.pendingMu.Unlock()

	var unsynced []*StoredMessage
	for _, id := range ids {
		msg, err := s.GetMessage(id)
		if errors.Is(err, ErrNotFound) {
			s.untrackPending(id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if msg.Synced {
			s.untrackPending(id)
			continue
		}
		unsynced = append(unsynced, msg)
	}

	sortEnvelopes(unsynced)
	return unsynced, nil
}

// ScanUnsynced walks the whole message table for unsynced envelopes,
// repopulating the in-memory index. The periodic sweep uses it to
// catch records the index never observed (for example after a crash).
func (s *Store) ScanUnsynced() ([]*StoredMessage, error) {
	var unsynced []*StoredMessage

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMessage)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixMessage)); it.ValidForPrefix([]byte(prefixMessage)); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var msg StoredMessage
			if err := json.Unmarshal(value, &msg); err != nil {
				return err
			}
			if !msg.Synced {
				unsynced = append(unsynced, &msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unsynced scan failed: %w", err)
	}

	for _, msg := range unsynced {
		s.trackPending(msg.ID)
	}
	sortEnvelopes(unsynced)
	return unsynced, nil
}

func (s *Store) reloadPendingIndex() error {
	_, err := s.ScanUnsynced()
	return err
}

func sortEnvelopes(msgs []*StoredMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// DeleteMessage removes one envelope.
func (s *Store) DeleteMessage(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(messageIDKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(messageIDKey(id))
	})
	if err != nil {
		return err
	}
	s.untrackPending(id)
	return nil
}

// DeleteConversation purges every envelope of a conversation.
func (s *Store) DeleteConversation(conversationID string) error {
	prefix := conversationPrefix(conversationID)
	var keys [][]byte
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var msg StoredMessage
			if err := json.Unmarshal(value, &msg); err == nil {
				ids = append(ids, msg.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan conversation %s: %w", conversationID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := txn.Delete(messageIDKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to purge conversation %s: %w", conversationID, err)
	}

	for _, id := range ids {
		s.untrackPending(id)
	}

	s.log.WithFields(logrus.Fields{
		"function":     "DeleteConversation",
		"conversation": conversationID,
		"removed":      len(ids),
	}).Info("Conversation purged")
	return nil
}

// SearchMessages is intentionally unsupported: envelopes hold
// ciphertext only, so there is nothing meaningful to match. It always
// returns an empty result with no side effect.
func (s *Store) SearchMessages(query string) ([]*StoredMessage, error) {
	return []*StoredMessage{}, nil
}
