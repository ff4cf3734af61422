package syncer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/whisperlink/protocol"
	"github.com/opd-ai/whisperlink/store"
	"github.com/opd-ai/whisperlink/transport"
)

// recordingSender captures retransmitted frames.
type recordingSender struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	sent   []protocol.MessageType
	accept bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{accept: true}
}

func (r *recordingSender) SendFrame(frame *protocol.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.accept {
		return false
	}
	r.frames = append(r.frames, frame)
	return true
}

func (r *recordingSender) Send(t protocol.MessageType, payload interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, t)
	return r.accept
}

func (r *recordingSender) frameIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.frames))
	for i, f := range r.frames {
		ids[i] = f.MessageID
	}
	return ids
}

func testCoordinator(t *testing.T) (*Coordinator, *recordingSender, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sender := newRecordingSender()
	c := New("alice", st, sender, nil)
	t.Cleanup(c.Stop)
	return c, sender, st
}

func outbound(id string, ts int64) *store.StoredMessage {
	return &store.StoredMessage{
		ID:             id,
		ConversationID: "conv",
		SenderID:       "alice",
		RecipientID:    "bob",
		Ciphertext:     []byte("ct-" + id),
		Nonce:          []byte{9},
		Timestamp:      ts,
	}
}

func TestResendOnReconnect(t *testing.T) {
	c, sender, st := testCoordinator(t)

	// Three envelopes persisted while disconnected.
	require.NoError(t, st.SaveMessage(outbound("m2", 200)))
	require.NoError(t, st.SaveMessage(outbound("m1", 100)))
	require.NoError(t, st.SaveMessage(outbound("m3", 300)))

	c.HandleConnectionState(transport.StateConnected)

	ids := sender.frameIDs()
	require.Len(t, ids, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids, "stable (timestamp, id) order")

	// Original ids and timestamps preserved for receiver dedup.
	sender.mu.Lock()
	assert.Equal(t, int64(100), sender.frames[0].Timestamp)
	assert.Equal(t, protocol.TypeMessage, sender.frames[0].Type)
	sender.mu.Unlock()

	// A sync_request was issued alongside the resend.
	sender.mu.Lock()
	assert.Contains(t, sender.sent, protocol.TypeSyncRequest)
	sender.mu.Unlock()

	// Acks mark them synced.
	c.HandleAck("m1")
	c.HandleAck("m2")
	c.HandleAck("m3")

	unsynced, err := st.GetUnsynced()
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestReconnectTransitionFiresOnce(t *testing.T) {
	c, sender, st := testCoordinator(t)
	require.NoError(t, st.SaveMessage(outbound("m1", 100)))

	c.HandleConnectionState(transport.StateConnected)
	// Repeated connected notifications are not a transition.
	c.HandleConnectionState(transport.StateConnected)

	assert.Len(t, sender.frameIDs(), 1)

	// Disconnect then reconnect resends again (idempotent for the
	// receiver, which dedups by id).
	c.HandleConnectionState(transport.StateReconnecting)
	c.HandleConnectionState(transport.StateConnected)
	assert.Len(t, sender.frameIDs(), 2)
}

func TestInboundEnvelopesAreNotRetransmitted(t *testing.T) {
	c, sender, st := testCoordinator(t)

	inbound := &store.StoredMessage{
		ID:             "in1",
		ConversationID: "conv",
		SenderID:       "bob",
		RecipientID:    "alice",
		Ciphertext:     []byte("undecryptable"),
		Timestamp:      100,
	}
	require.NoError(t, st.SaveMessage(inbound))
	require.NoError(t, st.SaveMessage(outbound("m1", 200)))

	c.HandleConnectionState(transport.StateConnected)
	assert.Equal(t, []string{"m1"}, sender.frameIDs())
}

func TestPeriodicSweep(t *testing.T) {
	c, sender, st := testCoordinator(t)
	c.SetSweepInterval(20 * time.Millisecond)

	require.NoError(t, st.SaveMessage(outbound("m1", 100)))
	// Simulate a record the in-memory index never saw.
	st.SaveMessage(outbound("m2", 200))

	c.HandleConnectionState(transport.StateConnected)
	c.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.frameIDs()) >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, len(sender.frameIDs()), 4, "sweep should retransmit unsynced envelopes")

	c.Stop()
	c.Stop() // idempotent
}

func TestResendStopsWhenTransportDrops(t *testing.T) {
	c, sender, st := testCoordinator(t)

	require.NoError(t, st.SaveMessage(outbound("m1", 100)))
	require.NoError(t, st.SaveMessage(outbound("m2", 200)))

	sender.mu.Lock()
	sender.accept = false
	sender.mu.Unlock()

	c.HandleConnectionState(transport.StateConnected)
	assert.Empty(t, sender.frameIDs(), "nothing recorded once transport refuses")

	// Envelopes remain unsynced for the next attempt.
	unsynced, err := st.GetUnsynced()
	require.NoError(t, err)
	assert.Len(t, unsynced, 2)
}

func TestHandleAckUnknownMessage(t *testing.T) {
	c, _, _ := testCoordinator(t)
	// Must be a quiet no-op.
	c.HandleAck("missing")
}
