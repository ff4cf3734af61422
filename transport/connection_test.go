package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/opd-ai/whisperlink/protocol"
)

// relayStub accepts one WebSocket client at a time and records frames.
type relayStub struct {
	t *testing.T

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []*protocol.Frame
}

func newRelayStub(t *testing.T) (*relayStub, *httptest.Server) {
	stub := &relayStub{t: t}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		stub.mu.Lock()
		stub.conns = append(stub.conns, conn)
		stub.mu.Unlock()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			frame, err := protocol.DecodeFrame(data)
			if err != nil {
				continue
			}
			stub.mu.Lock()
			stub.received = append(stub.received, frame)
			stub.mu.Unlock()
		}
	}))
	t.Cleanup(server.Close)
	return stub, server
}

func (s *relayStub) push(data []byte) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(s.t, conn.Write(context.Background(), websocket.MessageText, data))
}

func (s *relayStub) pushFrame(t protocol.MessageType, payload interface{}) *protocol.Frame {
	frame, err := protocol.NewFrame(t, payload)
	require.NoError(s.t, err)
	data, err := frame.Encode()
	require.NoError(s.t, err)
	s.push(data)
	return frame
}

func (s *relayStub) frames() []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Frame(nil), s.received...)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testManager(t *testing.T, server *httptest.Server) *Manager {
	m := NewManager(Config{
		URL:                  wsURL(server),
		ReconnectBaseDelay:   20 * time.Millisecond,
		ReconnectMaxDelay:    100 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	t.Cleanup(func() { m.Disconnect() })
	return m
}

func TestConnectLifecycle(t *testing.T) {
	_, server := newRelayStub(t)
	m := testManager(t, server)

	var mu sync.Mutex
	var transitions []ConnectionState
	m.OnConnectionChange(func(s ConnectionState) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())

	// Idempotent while connected.
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.State())
	// Safe to call again.
	require.NoError(t, m.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDisconnected}, transitions)
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	_, server := newRelayStub(t)
	m := testManager(t, server)

	ok := m.Send(protocol.TypeTyping, &protocol.TypingPayload{UserID: "alice"})
	assert.False(t, ok, "send while disconnected must not queue")
}

func TestSendDeliversFrames(t *testing.T) {
	stub, server := newRelayStub(t)
	m := testManager(t, server)
	require.NoError(t, m.Connect(context.Background()))

	ok := m.Send(protocol.TypePresence, &protocol.PresencePayload{UserID: "alice", Status: "online"})
	assert.True(t, ok)

	waitFor(t, func() bool { return len(stub.frames()) == 1 }, "relay never received the frame")
	got := stub.frames()[0]
	assert.Equal(t, protocol.TypePresence, got.Type)
	assert.NotEmpty(t, got.MessageID)
}

func TestSubscribersInvokedInRegistrationOrder(t *testing.T) {
	stub, server := newRelayStub(t)
	m := testManager(t, server)

	var mu sync.Mutex
	var order []string
	m.On(protocol.TypeTyping, func(f *protocol.Frame) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	unsub := m.On(protocol.TypeTyping, func(f *protocol.Frame) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	stub.pushFrame(protocol.TypeTyping, &protocol.TypingPayload{UserID: "bob", IsTyping: true})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, "handlers not invoked")

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()

	// After unsubscribe only the first handler fires.
	unsub()
	stub.pushFrame(protocol.TypeTyping, &protocol.TypingPayload{UserID: "bob", IsTyping: false})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "remaining handler not invoked")

	mu.Lock()
	assert.Equal(t, "first", order[2])
	mu.Unlock()
}

func TestMalformedFramesAreDropped(t *testing.T) {
	stub, server := newRelayStub(t)
	m := testManager(t, server)

	var handled int32
	var mu sync.Mutex
	m.On(protocol.TypeTyping, func(f *protocol.Frame) {
		mu.Lock()
		handled++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	stub.push([]byte("{broken"))
	stub.push([]byte(`{"type":"future_thing","payload":{},"timestamp":1,"messageId":"x"}`))
	stub.pushFrame(protocol.TypeTyping, &protocol.TypingPayload{UserID: "bob"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	}, "valid frame after garbage was not dispatched")
	assert.Equal(t, StateConnected, m.State())
}

func TestReconnectAfterServerDrop(t *testing.T) {
	stub, server := newRelayStub(t)
	m := testManager(t, server)

	var mu sync.Mutex
	var sawReconnecting bool
	m.OnConnectionChange(func(s ConnectionState) {
		if s == StateReconnecting {
			mu.Lock()
			sawReconnecting = true
			mu.Unlock()
		}
	})

	require.NoError(t, m.Connect(context.Background()))

	stub.mu.Lock()
	first := stub.conns[0]
	stub.mu.Unlock()
	first.Close(websocket.StatusGoingAway, "kick")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawReconnecting
	}, "manager never entered reconnecting")

	waitFor(t, func() bool { return m.State() == StateConnected }, "manager never reconnected")

	stub.mu.Lock()
	connCount := len(stub.conns)
	stub.mu.Unlock()
	assert.GreaterOrEqual(t, connCount, 2)
}

func TestBackoffCeilingSettlesDisconnected(t *testing.T) {
	m := NewManager(Config{
		URL:                  "ws://127.0.0.1:1", // nothing listening
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	t.Cleanup(func() { m.Disconnect() })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Connect(ctx))

	waitFor(t, func() bool { return m.State() == StateDisconnected }, "manager did not settle in disconnected")
}

func TestReconnectorBackoffGrowth(t *testing.T) {
	r := newReconnector(100*time.Millisecond, 1*time.Second, 0)

	first := r.nextDelay()
	second := r.nextDelay()
	third := r.nextDelay()

	assert.Less(t, first, second)
	assert.Less(t, second, third)

	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, r.nextDelay(), 1*time.Second)
	}
}

func TestReconnectorCeilingAfterStableConnection(t *testing.T) {
	r := newReconnector(10*time.Millisecond, 200*time.Millisecond, 3)
	// A connection that was up for well over a minute earns one
	// attempt-counter reset, not a permanent one.
	r.connectedAt = time.Now().Add(-2 * time.Minute)

	var delays []time.Duration
	attempts := 0
	for attempts < 50 && r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
		attempts++
	}

	assert.Equal(t, 3, attempts, "attempt ceiling must be reachable after a stable connection")
	assert.False(t, r.shouldReconnect())
	require.Len(t, delays, 3)
	assert.Less(t, delays[0], delays[1], "backoff must grow across the outage")
	assert.Less(t, delays[1], delays[2])
}

func TestExplicitConnectDisarmsStaleReconnectTimer(t *testing.T) {
	stub, server := newRelayStub(t)
	m := NewManager(Config{
		URL:                  wsURL(server),
		ReconnectBaseDelay:   200 * time.Millisecond,
		ReconnectMaxDelay:    400 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	t.Cleanup(func() { m.Disconnect() })

	require.NoError(t, m.Connect(context.Background()))

	// Kick the server side; the manager arms a backoff timer.
	stub.mu.Lock()
	first := stub.conns[0]
	stub.mu.Unlock()
	first.Close(websocket.StatusGoingAway, "kick")

	waitFor(t, func() bool { return m.State() == StateReconnecting }, "manager never entered reconnecting")

	// An explicit Connect beats the timer to the relay.
	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, StateConnected, m.State())

	// Well past the armed delay: the disarmed timer must not have
	// dialed a duplicate connection behind the live one.
	time.Sleep(600 * time.Millisecond)

	stub.mu.Lock()
	connCount := len(stub.conns)
	stub.mu.Unlock()
	assert.Equal(t, 2, connCount, "exactly one reconnect dial expected")
	assert.Equal(t, StateConnected, m.State())
}
