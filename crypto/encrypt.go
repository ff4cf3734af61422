package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// MaxMessageSize caps plaintext size to prevent excessive memory usage.
const MaxMessageSize = 1024 * 1024

// ErrDecryptionFailed is returned when a ciphertext cannot be opened
// with the session's key material. The caller must keep the ciphertext
// intact; a later retry with a fresh session may succeed.
var ErrDecryptionFailed = errors.New("decryption failed: session mismatch or corrupted ciphertext")

// SealedMessage is the opaque ciphertext envelope produced by
// EncryptMessage. It is what gets persisted and transmitted; plaintext
// never leaves this package in durable form.
type SealedMessage struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// EncryptMessage encrypts plaintext under the session key. The sender
// and recipient ids are bound as associated data so a ciphertext
// replayed between different participants fails to open.
func EncryptMessage(session *Session, senderID, recipientID string, plaintext []byte) (*SealedMessage, error) {
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if len(plaintext) == 0 {
		return nil, errors.New("empty message")
	}
	if len(plaintext) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	aead, err := chacha20poly1305.New(session.key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ct := aead.Seal(nil, nonce, plaintext, messageAD(senderID, recipientID))
	session.Touch()

	return &SealedMessage{Ciphertext: ct, Nonce: nonce}, nil
}

// DecryptMessage opens a sealed message with the session key. The ids
// must match those used at encryption time.
func DecryptMessage(session *Session, senderID, recipientID string, sealed *SealedMessage) ([]byte, error) {
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if sealed == nil || len(sealed.Ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	if len(sealed.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.New(session.key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}

	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, messageAD(senderID, recipientID))
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	session.Touch()
	return plaintext, nil
}

func messageAD(senderID, recipientID string) []byte {
	ad := make([]byte, 0, len(senderID)+len(recipientID)+1)
	ad = append(ad, senderID...)
	ad = append(ad, 0)
	ad = append(ad, recipientID...)
	return ad
}
