// Package crypto implements the cryptographic engine for WhisperLink.
//
// This package handles identity key pairs, per-peer session
// establishment, authenticated message encryption, and password-based
// key backups. Transport and storage treat everything produced here as
// opaque bytes.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Fingerprint:", crypto.Fingerprint(keys.Public))
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// KeyPair represents an X25519 key pair used as a WhisperLink identity.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	dh, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{}
	copy(keyPair.Public[:], dh.Public)
	copy(keyPair.Private[:], dh.Private)

	return keyPair, nil
}

// FromSecretKey reconstructs a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], public)

	return keyPair, nil
}

// ExportedKeyPair is the hex form of a key pair used for interchange
// with the backup format and the CLI.
type ExportedKeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// ExportKeyPair encodes a key pair as hex strings.
func ExportKeyPair(pair *KeyPair) *ExportedKeyPair {
	return &ExportedKeyPair{
		PublicKey:  hex.EncodeToString(pair.Public[:]),
		PrivateKey: hex.EncodeToString(pair.Private[:]),
	}
}

// ImportKeyPair decodes a hex-exported key pair and verifies that the
// public key matches the private key.
func ImportKeyPair(exported *ExportedKeyPair) (*KeyPair, error) {
	priv, err := decodeKey32(exported.PrivateKey)
	if err != nil {
		return nil, errors.New("invalid private key encoding")
	}

	pair, err := FromSecretKey(priv)
	if err != nil {
		return nil, err
	}

	pub, err := decodeKey32(exported.PublicKey)
	if err != nil {
		return nil, errors.New("invalid public key encoding")
	}
	if pub != pair.Public {
		return nil, errors.New("public key does not match private key")
	}

	return pair, nil
}

// Fingerprint returns the stable SHA-256 hex digest of a public key.
// It is displayed to users for out-of-band identity verification.
func Fingerprint(publicKey [32]byte) string {
	sum := sha256.Sum256(publicKey[:])
	return hex.EncodeToString(sum[:])
}

// PublicKeyFromHex decodes a peer's hex-encoded public key.
func PublicKeyFromHex(s string) ([32]byte, error) {
	return decodeKey32(s)
}

// PublicKeyToHex encodes a public key for transmission.
func PublicKeyToHex(key [32]byte) string {
	return hex.EncodeToString(key[:])
}

func decodeKey32(s string) ([32]byte, error) {
	var key [32]byte
	data, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(data) != 32 {
		return key, errors.New("key must be 32 bytes")
	}
	copy(key[:], data)
	return key, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
