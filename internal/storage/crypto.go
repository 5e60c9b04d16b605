package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// KeySize is the length of the AES-256 key the store encrypts with.
const KeySize = 32

// keySalt is fixed so the same passphrase opens the same database across restarts.
var keySalt = []byte("turnos-console/session-store/v1")

var ErrUnreadableEntry = errors.New("stored entry could not be decrypted")

// DeriveKey stretches a passphrase into a KeySize key with scrypt.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	key, err := scrypt.Key([]byte(passphrase), keySalt, 1<<15, 8, 1, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// entryCipher seals session entries with AES-256-GCM. The entry key is the
// additional data, so a value only opens under the key it was saved as.
type entryCipher struct {
	aead cipher.AEAD
}

func newEntryCipher(key []byte) (*entryCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &entryCipher{aead: aead}, nil
}

// seal returns base64(nonce || ciphertext || tag).
func (c *entryCipher) seal(entry string, plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(entry))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *entryCipher) open(entry, encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not base64", ErrUnreadableEntry, entry)
	}
	n := c.aead.NonceSize()
	if len(sealed) < n+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: %s is truncated", ErrUnreadableEntry, entry)
	}
	plaintext, err := c.aead.Open(nil, sealed[:n], sealed[n:], []byte(entry))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreadableEntry, entry)
	}
	return plaintext, nil
}
