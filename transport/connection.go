// Package transport maintains the logical connection between a
// WhisperLink client and its messaging relay.
//
// The relay speaks JSON protocol frames over a single WebSocket. This
// package owns connecting, automatic reconnection with backoff,
// heartbeats, and fan-out of inbound frames to per-type subscribers.
// Queueing and resending of application messages is not its job; a
// send while disconnected fails fast.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/opd-ai/whisperlink/protocol"
)

// ConnectionState is the single authoritative state of a Manager.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ErrNotConnected is returned by operations that require an
// established connection.
var ErrNotConnected = errors.New("transport not connected")

// FrameHandler receives inbound frames of a subscribed type.
type FrameHandler func(frame *protocol.Frame)

// StateHandler receives connection-state transitions.
type StateHandler func(state ConnectionState)

// Config holds Manager settings. Zero values fall back to defaults.
type Config struct {
	// URL is the ws:// or wss:// relay endpoint.
	URL string
	// ReconnectBaseDelay is the first backoff delay.
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the backoff delay.
	ReconnectMaxDelay time.Duration
	// MaxReconnectAttempts is the attempt ceiling before the manager
	// settles in disconnected. Zero means retry forever.
	MaxReconnectAttempts int
	// HeartbeatInterval is the gap between pings while connected.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds the wait for a ping acknowledgment.
	HeartbeatTimeout time.Duration
	// SendTimeout bounds a single frame write.
	SendTimeout time.Duration

	Logger *logrus.Logger
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

type frameSubscriber struct {
	id      uint64
	handler FrameHandler
}

type stateSubscriber struct {
	id      uint64
	handler StateHandler
}

// Manager maintains one logical relay connection: connect,
// auto-reconnect with backoff, heartbeat, and typed subscriber
// dispatch. All subscribers of a type observe frames in registration
// order; all state subscribers observe the same transitions in
// emission order.
type Manager struct {
	config Config
	log    *logrus.Logger

	mu               sync.Mutex
	state            ConnectionState
	conn             *websocket.Conn
	intentionalClose bool
	cancelLoops      context.CancelFunc
	reconnectTimer   *time.Timer
	recon            *reconnector

	subMu     sync.Mutex
	nextSubID uint64
	frameSubs map[protocol.MessageType][]frameSubscriber
	stateSubs []stateSubscriber

	// emitMu serializes state transitions so every subscriber observes
	// them in the same order they were committed.
	emitMu sync.Mutex
}

// NewManager creates a connection manager for the given relay.
func NewManager(config Config) *Manager {
	config.defaults()
	return &Manager{
		config:    config,
		log:       config.Logger,
		state:     StateDisconnected,
		recon:     newReconnector(config.ReconnectBaseDelay, config.ReconnectMaxDelay, config.MaxReconnectAttempts),
		frameSubs: make(map[protocol.MessageType][]frameSubscriber),
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On registers a handler for frames of the given type and returns its
// unsubscribe function. Multiple handlers per type are invoked in
// registration order.
func (m *Manager) On(t protocol.MessageType, handler FrameHandler) func() {
	m.subMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.frameSubs[t] = append(m.frameSubs[t], frameSubscriber{id: id, handler: handler})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		subs := m.frameSubs[t]
		for i, s := range subs {
			if s.id == id {
				m.frameSubs[t] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// OnConnectionChange registers a state-transition handler and returns
// its unsubscribe function.
func (m *Manager) OnConnectionChange(handler StateHandler) func() {
	m.subMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.stateSubs = append(m.stateSubs, stateSubscriber{id: id, handler: handler})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, s := range m.stateSubs {
			if s.id == id {
				m.stateSubs = append(m.stateSubs[:i], m.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// Connect initiates a transport attempt. It is idempotent while the
// manager is already connecting or connected. An explicit Connect
// after the backoff ceiling was reached starts a fresh attempt cycle.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	// An armed backoff timer from a previous failure would dial a
	// second connection behind this one; disarm it.
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.intentionalClose = false
	m.recon.reset()
	m.mu.Unlock()

	m.setState(StateConnecting)
	return m.dial(ctx)
}

// dial performs one transport attempt and starts the read and
// heartbeat loops on success.
func (m *Manager) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, m.config.URL, nil)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "dial",
			"url":      m.config.URL,
			"error":    err,
		}).Warn("Transport dial failed")
		m.scheduleReconnect()
		return err
	}
	conn.SetReadLimit(2 * 1024 * 1024)

	loopCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	// A racing dial (or an explicit Connect that beat a stale timer)
	// may already hold a live connection; exactly one survives.
	if m.conn != nil || m.intentionalClose {
		hasConn := m.conn != nil
		m.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		if hasConn {
			m.setState(StateConnected)
		}
		return nil
	}
	m.conn = conn
	m.cancelLoops = cancel
	m.recon.markConnected()
	m.mu.Unlock()

	m.setState(StateConnected)

	go m.readLoop(loopCtx, conn)
	go m.heartbeatLoop(loopCtx, conn)

	return nil
}

// Disconnect tears the connection down deterministically. It cancels
// in-flight reconnect timers, bypasses backoff, and is safe to call
// multiple times.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.intentionalClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.cancelLoops != nil {
		m.cancelLoops()
		m.cancelLoops = nil
	}
	conn := m.conn
	m.conn = nil
	alreadyDown := m.state == StateDisconnected
	m.mu.Unlock()

	if !alreadyDown {
		m.setState(StateDisconnected)
	}

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send encodes and transmits a protocol frame. The return value
// reports whether transmission was attempted, not delivery; delivery
// confirmation is a higher-level ack. Sends while not connected fail
// fast instead of queueing.
func (m *Manager) Send(t protocol.MessageType, payload interface{}) bool {
	frame, err := protocol.NewFrame(t, payload)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "Send",
			"type":     t,
			"error":    err,
		}).Error("Failed to build frame")
		return false
	}
	return m.SendFrame(frame)
}

// SendFrame transmits an already-built frame. Used by the sync path to
// retransmit envelopes under their original message ids.
func (m *Manager) SendFrame(frame *protocol.Frame) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return false
	}

	data, err := frame.Encode()
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "SendFrame",
			"type":     frame.Type,
			"error":    err,
		}).Error("Failed to encode frame")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":   "SendFrame",
			"type":       frame.Type,
			"message_id": frame.MessageID,
			"error":      err,
		}).Warn("Frame write failed")
		return false
	}
	return true
}

// readLoop delivers inbound frames until the connection drops.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleTransportFailure(conn, err)
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			// Malformed and unknown frames are dropped, never fatal.
			m.log.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err,
			}).Warn("Dropping inbound frame")
			continue
		}

		m.dispatch(frame)
	}
}

// dispatch invokes the subscribers for a frame type in registration
// order. Handlers run on the read goroutine so inbound frames are
// processed in receipt order.
func (m *Manager) dispatch(frame *protocol.Frame) {
	m.subMu.Lock()
	subs := append([]frameSubscriber(nil), m.frameSubs[frame.Type]...)
	m.subMu.Unlock()

	for _, s := range subs {
		s.handler(frame)
	}
}

// heartbeatLoop pings the relay on a fixed interval. A ping that is
// not acknowledged within the timeout is treated as a transport
// failure and closes the connection, which routes through the same
// reconnect path as a read error.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				m.log.WithFields(logrus.Fields{
					"function": "heartbeatLoop",
					"error":    err,
				}).Warn("Heartbeat failed, closing connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// handleTransportFailure reacts to a dropped connection: intentional
// closes stay disconnected, anything else enters the reconnect path.
func (m *Manager) handleTransportFailure(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		if m.cancelLoops != nil {
			m.cancelLoops()
			m.cancelLoops = nil
		}
	}
	intentional := m.intentionalClose
	m.mu.Unlock()

	if intentional {
		return
	}

	m.log.WithFields(logrus.Fields{
		"function": "handleTransportFailure",
		"error":    cause,
	}).Info("Transport connection lost")

	m.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or
// settles in disconnected once the ceiling is reached.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.intentionalClose {
		m.mu.Unlock()
		return
	}
	if !m.recon.shouldReconnect() {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"function": "scheduleReconnect",
			"attempts": m.config.MaxReconnectAttempts,
		}).Warn("Reconnect ceiling reached, giving up until explicit connect")
		m.setState(StateDisconnected)
		return
	}
	delay := m.recon.nextDelay()
	attempt := m.recon.attempt
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		stop := m.intentionalClose
		m.mu.Unlock()
		if stop {
			return
		}
		dialCtx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
		defer cancel()
		// dial schedules the next attempt itself on failure.
		_ = m.dial(dialCtx)
	})
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function": "scheduleReconnect",
		"attempt":  attempt,
		"delay":    delay,
	}).Info("Scheduling reconnect")

	m.setState(StateReconnecting)
}

// setState records a transition and notifies state subscribers in
// registration order. emitMu is held across the mutation and the
// notifications, so concurrent transitions are observed in commit
// order. State handlers must not call back into Connect or Disconnect.
func (m *Manager) setState(state ConnectionState) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	m.subMu.Lock()
	subs := append([]stateSubscriber(nil), m.stateSubs...)
	m.subMu.Unlock()

	for _, s := range subs {
		s.handler(state)
	}
}
