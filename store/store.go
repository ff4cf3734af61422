// Package store provides the durable, offline-first local store for
// WhisperLink: message envelopes and session records, backed by
// BadgerDB.
//
// Envelopes hold ciphertext only; plaintext is never written. Every
// envelope is persisted before any network attempt so a crash between
// persistence and transmission leaves the message recoverable as
// unsynced rather than lost.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Key prefixes for the logical tables inside the single Badger
// keyspace.
const (
	prefixMessage   = "msg:"
	prefixMessageID = "msgid:"
	prefixSession   = "session:"
)

// maxPendingIndex bounds the in-memory unsynced index. Overflow is
// harmless: the periodic sweep re-scans the store and picks up
// anything the index missed.
const maxPendingIndex = 4096

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrMessageExists is returned when a save would overwrite an
// existing envelope. Ciphertext is write-once; only the synced and
// read flags may change after creation.
var ErrMessageExists = errors.New("message already persisted")

// Options configures a Store.
type Options struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string
	// InMemory runs the store without disk persistence (tests).
	InMemory bool

	Logger *logrus.Logger
}

// Store is the durable local persistence layer.
type Store struct {
	db  *badger.DB
	log *logrus.Logger

	pendingMu sync.Mutex
	pending   map[string]struct{} // message ids known to be unsynced
}

// Open opens (or creates) the store and loads the unsynced index.
func Open(options Options) (*Store, error) {
	if options.Logger == nil {
		options.Logger = logrus.New()
	}

	var opts badger.Options
	if options.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if options.Path == "" {
			return nil, errors.New("store path is required")
		}
		opts = badger.DefaultOptions(options.Path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Store{
		db:      db,
		log:     options.Logger,
		pending: make(map[string]struct{}),
	}

	if err := s.reloadPendingIndex(); err != nil {
		db.Close()
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"function": "Open",
		"path":     options.Path,
		"pending":  len(s.pending),
	}).Info("Store opened")

	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ClearAll wipes every envelope and session and resets the in-memory
// index. This is the logout path; nothing else may bulk-erase.
func (s *Store) ClearAll() error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("failed to wipe store: %w", err)
	}

	s.pendingMu.Lock()
	s.pending = make(map[string]struct{})
	s.pendingMu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "ClearAll",
	}).Info("Store wiped")
	return nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *Store) trackPending(id string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if len(s.pending) >= maxPendingIndex {
		return
	}
	s.pending[id] = struct{}{}
}

func (s *Store) untrackPending(id string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, id)
}
