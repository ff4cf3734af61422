package whisperlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisperlink/crypto"
	"github.com/opd-ai/whisperlink/protocol"
	"github.com/opd-ai/whisperlink/store"
)

// ErrNoSession is reported when an inbound message arrives from a peer
// without an established session. The envelope is kept; decryption can
// be retried with ReprocessMessage once a session exists.
var ErrNoSession = errors.New("no session for peer, ciphertext retained")

// SendMessage encrypts and sends a chat message. The envelope is
// persisted with synced:false before any transport attempt, so a crash
// or offline transport never loses it. The returned record's status is
// StatusSent when the transport accepted the frame and StatusSending
// otherwise; a composed message is never silently dropped.
func (c *Client) SendMessage(recipientID, conversationID, content string, recipientPublicKey [32]byte, recipientFingerprint string) (*Message, error) {
	s, err := c.sessions.GetOrCreateSession(recipientID, recipientPublicKey, recipientFingerprint)
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.EncryptMessage(s, c.userID, recipientID, []byte(content))
	if err != nil {
		return nil, err
	}

	frame, err := protocol.NewFrame(protocol.TypeMessage, &protocol.MessagePayload{
		ConversationID: conversationID,
		SenderID:       c.userID,
		RecipientID:    recipientID,
		Ciphertext:     sealed.Ciphertext,
		Nonce:          sealed.Nonce,
	})
	if err != nil {
		return nil, err
	}

	envelope := &store.StoredMessage{
		ID:             frame.MessageID,
		ConversationID: conversationID,
		SenderID:       c.userID,
		RecipientID:    recipientID,
		Ciphertext:     sealed.Ciphertext,
		Nonce:          sealed.Nonce,
		Timestamp:      frame.Timestamp,
		Synced:         false,
	}
	if err := c.store.SaveMessage(envelope); err != nil {
		// The caller must know the message is not durably queued.
		return nil, fmt.Errorf("failed to queue message: %w", err)
	}

	status := StatusSending
	if c.conn.SendFrame(frame) {
		status = StatusSent
	}

	return &Message{
		ID:             frame.MessageID,
		ConversationID: conversationID,
		SenderID:       c.userID,
		RecipientID:    recipientID,
		Content:        content,
		Timestamp:      time.UnixMilli(frame.Timestamp),
		Status:         status,
	}, nil
}

// SendTyping signals typing state in a conversation. Returns whether
// transmission was attempted.
func (c *Client) SendTyping(conversationID string, isTyping bool) bool {
	return c.conn.Send(protocol.TypeTyping, &protocol.TypingPayload{
		ConversationID: conversationID,
		UserID:         c.userID,
		IsTyping:       isTyping,
	})
}

// SendPresence announces the local presence status.
func (c *Client) SendPresence(status string) bool {
	return c.conn.Send(protocol.TypePresence, &protocol.PresencePayload{
		UserID: c.userID,
		Status: status,
	})
}

// SendReadReceipt marks a message read locally and notifies its
// sender.
func (c *Client) SendReadReceipt(conversationID, messageID string) bool {
	if err := c.store.MarkAsRead(messageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.emitError(err)
	}
	return c.conn.Send(protocol.TypeReadReceipt, &protocol.ReadReceiptPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		ReaderID:       c.userID,
	})
}

// ReprocessMessage explicitly retries decryption of a stored envelope,
// typically after a session became available. Decryption is never
// retried from a timer; this call is the only retry path.
func (c *Client) ReprocessMessage(messageID string) (*Message, error) {
	env, err := c.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}

	peerID := env.SenderID
	if peerID == c.userID {
		peerID = env.RecipientID
	}
	s, ok := c.sessions.CachedSession(peerID)
	if !ok {
		return nil, ErrNoSession
	}

	plaintext, err := crypto.DecryptMessage(s, env.SenderID, env.RecipientID,
		&crypto.SealedMessage{Ciphertext: env.Ciphertext, Nonce: env.Nonce})
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:             env.ID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		RecipientID:    env.RecipientID,
		Content:        string(plaintext),
		Timestamp:      time.UnixMilli(env.Timestamp),
		Status:         StatusDelivered,
		Read:           env.Read,
	}
	c.emitMessage(msg)
	return msg, nil
}

// handleMessageFrame processes an inbound encrypted message: persist
// first, then decrypt, then ack. Duplicate frames (same message id)
// are re-acked but never re-emitted or re-persisted.
func (c *Client) handleMessageFrame(frame *protocol.Frame) {
	var payload protocol.MessagePayload
	if err := frame.DecodePayload(&payload); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleMessageFrame",
			"error":    err,
		}).Warn("Dropping malformed message frame")
		return
	}
	if payload.RecipientID != c.userID {
		return
	}

	duplicate, err := c.store.HasMessage(frame.MessageID)
	if err != nil {
		c.emitError(err)
		return
	}
	if duplicate {
		// The sender missed our ack; repeat it, nothing else.
		c.sendAck(frame.MessageID)
		return
	}

	// Durability precedes crypto: the ciphertext is safe on disk even
	// if decryption fails or the process dies.
	envelope := &store.StoredMessage{
		ID:             frame.MessageID,
		ConversationID: payload.ConversationID,
		SenderID:       payload.SenderID,
		RecipientID:    payload.RecipientID,
		Ciphertext:     payload.Ciphertext,
		Nonce:          payload.Nonce,
		Timestamp:      frame.Timestamp,
		Synced:         true,
	}
	if err := c.store.SaveMessage(envelope); err != nil {
		c.emitError(err)
		return
	}
	c.sendAck(frame.MessageID)

	s, ok := c.sessions.CachedSession(payload.SenderID)
	if !ok {
		// Not discarded: the envelope is on disk and one key request
		// goes out. Decryption happens on explicit reprocessing only.
		c.log.WithFields(logrus.Fields{
			"function":   "handleMessageFrame",
			"message_id": frame.MessageID,
			"sender":     payload.SenderID,
		}).Info("Message from unknown peer retained, requesting key")
		c.requestSessionWith(payload.SenderID)
		c.emitError(fmt.Errorf("%w: peer %s", ErrNoSession, payload.SenderID))
		return
	}

	plaintext, err := crypto.DecryptMessage(s, payload.SenderID, payload.RecipientID,
		&crypto.SealedMessage{Ciphertext: payload.Ciphertext, Nonce: payload.Nonce})
	if err != nil {
		// The stored envelope is left untouched for a later retry.
		c.emitError(err)
		return
	}

	c.emitMessage(&Message{
		ID:             frame.MessageID,
		ConversationID: payload.ConversationID,
		SenderID:       payload.SenderID,
		RecipientID:    payload.RecipientID,
		Content:        string(plaintext),
		Timestamp:      time.UnixMilli(frame.Timestamp),
		Status:         StatusDelivered,
	})
}

// requestSessionWith fetches a peer's key in the background and
// establishes a session with it. The single-flight pending table
// guarantees one key_request frame no matter how many undecryptable
// messages arrive meanwhile.
func (c *Client) requestSessionWith(peerID string) {
	go func() {
		info, err := c.sessions.RequestPublicKey(context.Background(), peerID)
		if err != nil {
			c.emitError(err)
			return
		}
		if _, err := c.sessions.GetOrCreateSession(info.UserID, info.PublicKey, info.Fingerprint); err != nil {
			c.emitError(err)
		}
	}()
}

func (c *Client) sendAck(messageID string) {
	c.conn.Send(protocol.TypeMessageAck, &protocol.MessageAckPayload{
		MessageID:   messageID,
		RecipientID: c.userID,
	})
}

func (c *Client) handleAckFrame(frame *protocol.Frame) {
	var payload protocol.MessageAckPayload
	if err := frame.DecodePayload(&payload); err != nil {
		return
	}
	c.sync.HandleAck(payload.MessageID)
}

func (c *Client) handleTypingFrame(frame *protocol.Frame) {
	var payload protocol.TypingPayload
	if err := frame.DecodePayload(&payload); err != nil {
		return
	}
	c.callbackMu.RLock()
	callback := c.onTyping
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(payload.ConversationID, payload.UserID, payload.IsTyping)
	}
}

func (c *Client) handlePresenceFrame(frame *protocol.Frame) {
	var payload protocol.PresencePayload
	if err := frame.DecodePayload(&payload); err != nil {
		return
	}
	c.callbackMu.RLock()
	callback := c.onPresence
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(payload.UserID, payload.Status)
	}
}

// handleKeyRequestFrame answers requests for the local public key.
// Responding requires no session; that is the whole point of the
// exchange. Requests for other users are ignored.
func (c *Client) handleKeyRequestFrame(frame *protocol.Frame) {
	var payload protocol.KeyRequestPayload
	if err := frame.DecodePayload(&payload); err != nil {
		return
	}
	if payload.TargetUserID != c.userID {
		return
	}

	identity := c.sessions.Identity()
	c.conn.Send(protocol.TypeKeyResponse, &protocol.KeyResponsePayload{
		UserID:      c.userID,
		PublicKey:   crypto.PublicKeyToHex(identity.Public),
		Fingerprint: crypto.Fingerprint(identity.Public),
	})
}

func (c *Client) handleKeyResponseFrame(frame *protocol.Frame) {
	var payload protocol.KeyResponsePayload
	if err := frame.DecodePayload(&payload); err != nil {
		return
	}
	// Responses with no matching pending request are ignored inside.
	c.sessions.ResolveKeyResponse(payload.UserID, payload.PublicKey, payload.Fingerprint)
}

// handleSessionInitFrame mirrors a session announced by a peer so
// their first ciphertext decrypts without a key-request round trip.
func (c *Client) handleSessionInitFrame(frame *protocol.Frame) {
	var payload protocol.SessionInitPayload
	if err := frame.DecodePayload(&payload); err != nil {
		return
	}
	if payload.RecipientID != c.userID {
		return
	}

	publicKey, err := crypto.PublicKeyFromHex(payload.PublicKey)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleSessionInitFrame",
			"sender":   payload.SenderID,
			"error":    err,
		}).Warn("Dropping session init with invalid key")
		return
	}

	if _, err := c.sessions.GetOrCreateSession(payload.SenderID, publicKey, payload.Fingerprint); err != nil {
		c.emitError(err)
	}
}

func (c *Client) handleReadReceiptFrame(frame *protocol.Frame) {
	var payload protocol.ReadReceiptPayload
	if err := frame.DecodePayload(&payload); err != nil {
		return
	}

	if err := c.store.MarkAsRead(payload.MessageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.emitError(err)
	}

	c.callbackMu.RLock()
	callback := c.onReadReceipt
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(payload.ConversationID, payload.MessageID, payload.ReaderID)
	}
}

// handleSyncResponseFrame replays frames the relay buffered while this
// client was offline, routing each through the normal inbound path.
// Dedup by message id makes the replay idempotent.
func (c *Client) handleSyncResponseFrame(frame *protocol.Frame) {
	var payload protocol.SyncResponsePayload
	if err := frame.DecodePayload(&payload); err != nil {
		return
	}

	for i := range payload.Frames {
		replayed := &payload.Frames[i]
		switch replayed.Type {
		case protocol.TypeMessage:
			c.handleMessageFrame(replayed)
		case protocol.TypeMessageAck:
			c.handleAckFrame(replayed)
		case protocol.TypeReadReceipt:
			c.handleReadReceiptFrame(replayed)
		case protocol.TypeSessionInit:
			c.handleSessionInitFrame(replayed)
		default:
			// Ephemeral signals (typing, presence) are stale by the
			// time a replay arrives; skip them.
		}
	}
}

func (c *Client) emitMessage(msg *Message) {
	c.callbackMu.RLock()
	callback := c.onMessage
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(msg)
	}
}
