// Package syncer reconciles locally queued envelopes with the relay.
//
// Envelopes are persisted before any transmission attempt, so after an
// offline stretch the store holds everything that still needs to go
// out. The coordinator re-drives delivery on reconnect and on a
// periodic sweep, and marks envelopes synced when their ack arrives.
// Re-sending is additive: receivers deduplicate by message id.
package syncer

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisperlink/protocol"
	"github.com/opd-ai/whisperlink/store"
	"github.com/opd-ai/whisperlink/transport"
)

// DefaultSweepInterval is the gap between periodic unsynced scans.
const DefaultSweepInterval = 30 * time.Second

// FrameSender transmits pre-built frames, preserving their original
// message ids. Satisfied by transport.Manager.
type FrameSender interface {
	SendFrame(frame *protocol.Frame) bool
	Send(t protocol.MessageType, payload interface{}) bool
}

// Coordinator watches connection-state transitions and the store, and
// retransmits whatever the relay has not acknowledged.
type Coordinator struct {
	localID string
	store   *store.Store
	sender  FrameSender
	log     *logrus.Logger

	interval time.Duration

	mu        sync.Mutex
	running   bool
	connected bool
	lastAckAt int64
	stopChan  chan struct{}
}

// New creates a sync coordinator.
func New(localID string, st *store.Store, sender FrameSender, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		localID:  localID,
		store:    st,
		sender:   sender,
		log:      logger,
		interval: DefaultSweepInterval,
	}
}

// SetSweepInterval overrides the periodic sweep interval (tests).
func (c *Coordinator) SetSweepInterval(d time.Duration) {
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
}

// Start launches the periodic sweep. Safe to call once per Stop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	stopChan := c.stopChan
	interval := c.interval
	c.mu.Unlock()

	go c.sweepLoop(stopChan, interval)
}

// Stop cancels the sweep. Safe to call multiple times.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()
}

// HandleConnectionState reacts to transport transitions. On the
// transition to connected it requests a relay replay and retransmits
// every unsynced envelope.
func (c *Coordinator) HandleConnectionState(state transport.ConnectionState) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = state == transport.StateConnected
	nowConnected := c.connected
	since := c.lastAckAt
	c.mu.Unlock()

	if !nowConnected || wasConnected {
		return
	}

	c.sender.Send(protocol.TypeSyncRequest, &protocol.SyncRequestPayload{
		UserID: c.localID,
		Since:  since,
	})

	c.resendUnsynced(false)
}

// HandleAck marks the acknowledged envelope as synced.
func (c *Coordinator) HandleAck(messageID string) {
	msg, err := c.store.GetMessage(messageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.WithFields(logrus.Fields{
				"function":   "HandleAck",
				"message_id": messageID,
				"error":      err,
			}).Error("Failed to load acked envelope")
		}
		return
	}

	if err := c.store.MarkSynced(messageID); err != nil {
		c.log.WithFields(logrus.Fields{
			"function":   "HandleAck",
			"message_id": messageID,
			"error":      err,
		}).Error("Failed to mark envelope synced")
		return
	}

	c.mu.Lock()
	if msg.Timestamp > c.lastAckAt {
		c.lastAckAt = msg.Timestamp
	}
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function":   "HandleAck",
		"message_id": messageID,
	}).Debug("Envelope acknowledged")
}

func (c *Coordinator) sweepLoop(stopChan chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			connected := c.connected
			c.mu.Unlock()
			if connected {
				// The sweep rescans the store so records never seen by
				// the in-memory pending index still get retried.
				c.resendUnsynced(true)
			}
		}
	}
}

// resendUnsynced retransmits unsynced envelopes in stable
// (timestamp, id) order, under their original message ids so the
// receiver can deduplicate.
func (c *Coordinator) resendUnsynced(fullScan bool) {
	var msgs []*store.StoredMessage
	var err error
	if fullScan {
		msgs, err = c.store.ScanUnsynced()
	} else {
		msgs, err = c.store.GetUnsynced()
	}
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "resendUnsynced",
			"error":    err,
		}).Error("Failed to load unsynced envelopes")
		return
	}
	if len(msgs) == 0 {
		return
	}

	c.log.WithFields(logrus.Fields{
		"function": "resendUnsynced",
		"count":    len(msgs),
	}).Info("Retransmitting unsynced envelopes")

	for _, msg := range msgs {
		// Only envelopes this client authored go back out; inbound
		// ciphertext waiting on a key stays local.
		if msg.SenderID != c.localID {
			continue
		}
		frame, err := frameFromEnvelope(msg)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"function":   "resendUnsynced",
				"message_id": msg.ID,
				"error":      err,
			}).Error("Failed to rebuild frame")
			continue
		}
		if !c.sender.SendFrame(frame) {
			// Transport dropped mid-resend; the next transition or
			// sweep picks the remainder up.
			return
		}
	}
}

// frameFromEnvelope rebuilds the wire frame for a stored envelope,
// preserving its original id and timestamp.
func frameFromEnvelope(msg *store.StoredMessage) (*protocol.Frame, error) {
	payload, err := json.Marshal(&protocol.MessagePayload{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		Ciphertext:     msg.Ciphertext,
		Nonce:          msg.Nonce,
	})
	if err != nil {
		return nil, err
	}
	return &protocol.Frame{
		Type:      protocol.TypeMessage,
		Payload:   payload,
		Timestamp: msg.Timestamp,
		MessageID: msg.ID,
	}, nil
}
