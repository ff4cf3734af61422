package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	backupSaltSize = 16
	minPasswordLen = 8
)

// Argon2id parameters for the backup key derivation.
const (
	backupArgonTime    = 1
	backupArgonMemory  = 64 * 1024
	backupArgonThreads = 4
)

// ErrWrongPassword is returned when a backup cannot be decrypted with
// the supplied password. A wrong password never yields a different
// valid-looking key pair; the AEAD tag check fails instead.
var ErrWrongPassword = errors.New("wrong password or corrupted backup")

// ErrWeakPassword is returned when the backup password is too short.
var ErrWeakPassword = errors.New("backup password must be at least 8 characters")

// KeyBackup is the portable, password-encrypted form of an identity
// key pair. All fields are hex encoded so the struct round-trips
// through JSON unchanged.
type KeyBackup struct {
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	Salt                string `json:"salt"`
	IV                  string `json:"iv"`
	Fingerprint         string `json:"fingerprint"`
	PublicKey           string `json:"publicKey"`
}

// CreateKeyBackup encrypts the private key under a key derived from
// the password with Argon2id. The public key and fingerprint are kept
// in the clear so a backup can be identified without decrypting it.
func CreateKeyBackup(pair *KeyPair, password string) (*KeyBackup, error) {
	if pair == nil {
		return nil, errors.New("key pair is nil")
	}
	if len(password) < minPasswordLen {
		return nil, ErrWeakPassword
	}

	salt := make([]byte, backupSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	key := deriveBackupKey(password, salt)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// The public key is bound as associated data so a backup cannot be
	// reassembled around a different identity.
	ct := aead.Seal(nil, nonce, pair.Private[:], pair.Public[:])

	return &KeyBackup{
		EncryptedPrivateKey: hex.EncodeToString(ct),
		Salt:                hex.EncodeToString(salt),
		IV:                  hex.EncodeToString(nonce),
		Fingerprint:         Fingerprint(pair.Public),
		PublicKey:           hex.EncodeToString(pair.Public[:]),
	}, nil
}

// RestoreKeyFromBackup decrypts a backup with the password and returns
// the restored key pair. The restored public key is re-derived from
// the private key and checked against the stored one.
func RestoreKeyFromBackup(backup *KeyBackup, password string) (*KeyPair, error) {
	if backup == nil {
		return nil, errors.New("backup is nil")
	}

	salt, err := hex.DecodeString(backup.Salt)
	if err != nil || len(salt) != backupSaltSize {
		return nil, errors.New("invalid backup salt")
	}
	nonce, err := hex.DecodeString(backup.IV)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, errors.New("invalid backup iv")
	}
	ct, err := hex.DecodeString(backup.EncryptedPrivateKey)
	if err != nil {
		return nil, errors.New("invalid backup ciphertext encoding")
	}
	pub, err := decodeKey32(backup.PublicKey)
	if err != nil {
		return nil, errors.New("invalid backup public key")
	}

	key := deriveBackupKey(password, salt)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ct, pub[:])
	if err != nil {
		return nil, ErrWrongPassword
	}
	if len(plaintext) != 32 {
		return nil, ErrWrongPassword
	}

	var priv [32]byte
	copy(priv[:], plaintext)

	pair, err := FromSecretKey(priv)
	if err != nil {
		return nil, err
	}
	if pair.Public != pub {
		return nil, ErrWrongPassword
	}

	return pair, nil
}

func deriveBackupKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, backupArgonTime, backupArgonMemory, backupArgonThreads, chacha20poly1305.KeySize)
}
