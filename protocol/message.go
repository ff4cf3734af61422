// Package protocol defines the WhisperLink wire protocol: the closed
// set of message types exchanged with the relay and the frame envelope
// that carries them.
//
// Every frame is a JSON object {type, payload, timestamp, messageId}.
// The payload shape is fully determined by the type; decoding is done
// through exhaustive per-type accessors rather than open maps.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a protocol frame. The set is closed; frames
// with unknown types are ignored by receivers for forward
// compatibility.
type MessageType string

const (
	TypeMessage      MessageType = "message"
	TypeMessageAck   MessageType = "message_ack"
	TypeTyping       MessageType = "typing"
	TypePresence     MessageType = "presence"
	TypeKeyRequest   MessageType = "key_request"
	TypeKeyResponse  MessageType = "key_response"
	TypeSessionInit  MessageType = "session_init"
	TypeReadReceipt  MessageType = "read_receipt"
	TypeSyncRequest  MessageType = "sync_request"
	TypeSyncResponse MessageType = "sync_response"
)

// ErrUnknownMessageType is returned when a frame carries a type
// outside the closed set.
var ErrUnknownMessageType = errors.New("unknown protocol message type")

// Valid reports whether t belongs to the closed protocol set.
func (t MessageType) Valid() bool {
	switch t {
	case TypeMessage, TypeMessageAck, TypeTyping, TypePresence,
		TypeKeyRequest, TypeKeyResponse, TypeSessionInit,
		TypeReadReceipt, TypeSyncRequest, TypeSyncResponse:
		return true
	}
	return false
}

// Frame is the wire envelope carried by the transport.
type Frame struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId"`
}

// MessagePayload carries an encrypted chat message. Ciphertext and
// nonce are opaque output of the crypto engine.
type MessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	Ciphertext     []byte `json:"ciphertext"`
	Nonce          []byte `json:"nonce"`
}

// MessageAckPayload confirms delivery of a message frame.
type MessageAckPayload struct {
	MessageID   string `json:"messageId"`
	RecipientID string `json:"recipientId"`
}

// TypingPayload signals typing state in a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresencePayload announces a user's presence status.
type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// KeyRequestPayload asks a peer for their public key.
type KeyRequestPayload struct {
	RequesterID  string `json:"requesterId"`
	TargetUserID string `json:"targetUserId"`
}

// KeyResponsePayload answers a key request with the responder's
// public key and fingerprint.
type KeyResponsePayload struct {
	UserID      string `json:"userId"`
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

// SessionInitPayload announces a freshly established session so the
// peer can mirror it before the first ciphertext arrives.
type SessionInitPayload struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	SessionID   string `json:"sessionId"`
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

// ReadReceiptPayload marks a message as read by its recipient.
type ReadReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	ReaderID       string `json:"readerId"`
}

// SyncRequestPayload asks the relay to replay frames missed while
// offline, starting from the given watermark.
type SyncRequestPayload struct {
	UserID string `json:"userId"`
	Since  int64  `json:"since"`
}

// SyncResponsePayload carries a batch of replayed frames.
type SyncResponsePayload struct {
	Frames []Frame `json:"frames"`
}

// NewFrame builds a frame around a payload, assigning a fresh unique
// message id and the current timestamp.
func NewFrame(t MessageType, payload interface{}) (*Frame, error) {
	if !t.Valid() {
		return nil, ErrUnknownMessageType
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}

	return &Frame{
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	}, nil
}

// Encode serializes a frame for transmission.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a raw transport frame. Frames with types outside
// the closed set decode structurally but are flagged so dispatchers
// can drop them.
func DecodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if frame.Type == "" {
		return nil, errors.New("frame missing type")
	}
	if !frame.Type.Valid() {
		return &frame, ErrUnknownMessageType
	}
	return &frame, nil
}

// DecodePayload unmarshals the frame payload into the shape for its
// type. The destination must match the frame type.
func (f *Frame) DecodePayload(dst interface{}) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s has empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("malformed %s payload: %w", f.Type, err)
	}
	return nil
}
