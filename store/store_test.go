package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func envelope(id, conv string, ts int64) *StoredMessage {
	return &StoredMessage{
		ID:             id,
		ConversationID: conv,
		SenderID:       "alice",
		RecipientID:    "bob",
		Ciphertext:     []byte("ct-" + id),
		Nonce:          []byte{1, 2, 3},
		Timestamp:      ts,
	}
}

func TestSaveAndGetMessage(t *testing.T) {
	s := openTestStore(t)

	msg := envelope("m1", "conv", 1000)
	require.NoError(t, s.SaveMessage(msg))

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, msg.Ciphertext, got.Ciphertext)
	assert.False(t, got.Synced)
	assert.False(t, got.Read)

	ok, err := s.HasMessage("m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasMessage("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetMessage("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCiphertextIsWriteOnce(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveMessage(envelope("m1", "conv", 1000)))

	dupe := envelope("m1", "conv", 2000)
	dupe.Ciphertext = []byte("overwritten")
	assert.ErrorIs(t, s.SaveMessage(dupe), ErrMessageExists)

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct-m1"), got.Ciphertext)
}

func TestMarkSyncedAndRead(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveMessage(envelope("m1", "conv", 1000)))

	require.NoError(t, s.MarkSynced("m1"))
	require.NoError(t, s.MarkAsRead("m1"))

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.True(t, got.Read)
	assert.Equal(t, []byte("ct-m1"), got.Ciphertext, "flag mutation must not touch ciphertext")

	assert.ErrorIs(t, s.MarkSynced("missing"), ErrNotFound)
}

func TestGetMessagesPagination(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.SaveMessage(envelope(fmt.Sprintf("m%02d", i), "conv", int64(i*100))))
	}
	// A different conversation must not bleed in.
	require.NoError(t, s.SaveMessage(envelope("other", "conv2", 500)))

	t.Run("newest page oldest-first", func(t *testing.T) {
		page, err := s.GetMessages("conv", 3, 0)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, "m08", page[0].ID)
		assert.Equal(t, "m10", page[2].ID)
	})

	t.Run("load more before watermark", func(t *testing.T) {
		page, err := s.GetMessages("conv", 3, 800)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, "m05", page[0].ID)
		assert.Equal(t, "m07", page[2].ID)
	})

	t.Run("page past the beginning", func(t *testing.T) {
		page, err := s.GetMessages("conv", 50, 200)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "m01", page[0].ID)
	})

	t.Run("empty conversation", func(t *testing.T) {
		page, err := s.GetMessages("nope", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

func TestUnsyncedTracking(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveMessage(envelope("m1", "conv", 100)))
	require.NoError(t, s.SaveMessage(envelope("m2", "conv", 300)))

	synced := envelope("m3", "conv", 200)
	synced.Synced = true
	require.NoError(t, s.SaveMessage(synced))

	unsynced, err := s.GetUnsynced()
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, "m1", unsynced[0].ID, "stable (timestamp, id) order")
	assert.Equal(t, "m2", unsynced[1].ID)

	require.NoError(t, s.MarkSynced("m1"))
	unsynced, err = s.GetUnsynced()
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "m2", unsynced[0].ID)
}

func TestScanUnsyncedCatchesUnindexedRecords(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveMessage(envelope("m1", "conv", 100)))

	// Simulate an index that lost track of the record.
	s.untrackPending("m1")
	fast, err := s.GetUnsynced()
	require.NoError(t, err)
	assert.Empty(t, fast)

	swept, err := s.ScanUnsynced()
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "m1", swept[0].ID)

	// The sweep repopulated the index.
	fast, err = s.GetUnsynced()
	require.NoError(t, err)
	require.Len(t, fast, 1)
}

func TestDeleteMessageAndConversation(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveMessage(envelope("m1", "conv", 100)))
	require.NoError(t, s.SaveMessage(envelope("m2", "conv", 200)))
	require.NoError(t, s.SaveMessage(envelope("m3", "conv2", 300)))

	require.NoError(t, s.DeleteMessage("m1"))
	_, err := s.GetMessage("m1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteConversation("conv"))
	_, err = s.GetMessage("m2")
	assert.ErrorIs(t, err, ErrNotFound)

	// Other conversation untouched.
	_, err = s.GetMessage("m3")
	require.NoError(t, err)

	unsynced, err := s.GetUnsynced()
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "m3", unsynced[0].ID)
}

func TestSearchOverCiphertextIsUnsupported(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveMessage(envelope("m1", "conv", 100)))

	results, err := s.SearchMessages("ct-m1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSessionCRUD(t *testing.T) {
	s := openTestStore(t)

	session := &StoredSession{
		ID:              "s1",
		PeerID:          "bob",
		PeerPublicKey:   "abcd",
		PeerFingerprint: "ff00",
		CreatedAt:       100,
		LastActivity:    100,
	}
	require.NoError(t, s.SaveSession(session))

	got, err := s.GetSession("bob")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	// Replacing is allowed: one session per peer.
	session.ID = "s2"
	require.NoError(t, s.SaveSession(session))
	got, err = s.GetSession("bob")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.ID)

	require.NoError(t, s.SaveSession(&StoredSession{ID: "s3", PeerID: "carol"}))
	all, err := s.GetAllSessions()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteSession("bob"))
	_, err = s.GetSession("bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearAll(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveMessage(envelope("m1", "conv", 100)))
	require.NoError(t, s.SaveSession(&StoredSession{ID: "s1", PeerID: "bob"}))

	require.NoError(t, s.ClearAll())

	_, err := s.GetMessage("m1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession("bob")
	assert.ErrorIs(t, err, ErrNotFound)

	unsynced, err := s.GetUnsynced()
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestConversationIDWithDelimiterDoesNotBleed(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveMessage(envelope("m1", "a", 100)))
	require.NoError(t, s.SaveMessage(envelope("m2", "a:b", 200)))
	require.NoError(t, s.SaveMessage(envelope("m3", "a", 300)))

	short, err := s.GetMessages("a", 10, 0)
	require.NoError(t, err)
	require.Len(t, short, 2, "conversation 'a:b' must not bleed into 'a'")
	assert.Equal(t, "m1", short[0].ID)
	assert.Equal(t, "m3", short[1].ID)

	long, err := s.GetMessages("a:b", 10, 0)
	require.NoError(t, err)
	require.Len(t, long, 1)
	assert.Equal(t, "m2", long[0].ID)

	// Purging 'a' leaves 'a:b' intact.
	require.NoError(t, s.DeleteConversation("a"))

	_, err = s.GetMessage("m1")
	assert.ErrorIs(t, err, ErrNotFound)
	survivor, err := s.GetMessage("m2")
	require.NoError(t, err)
	assert.Equal(t, "a:b", survivor.ConversationID)
}
