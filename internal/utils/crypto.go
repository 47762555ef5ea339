// Package utils holds the sealing helpers for connection passwords stored in
// the connections table.
package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// EncryptionKeyEnv names the environment variable holding the base64 key.
const EncryptionKeyEnv = "STRATUM_ENC_KEY"

var (
	keyMu         sync.RWMutex
	configuredKey string
)

// SetEncryptionKey overrides the environment key with a base64-encoded 32-byte key.
func SetEncryptionKey(b64 string) {
	keyMu.Lock()
	configuredKey = b64
	keyMu.Unlock()
}

func encryptionKey() ([]byte, error) {
	keyMu.RLock()
	b64 := configuredKey
	keyMu.RUnlock()
	if b64 == "" {
		b64 = os.Getenv(EncryptionKeyEnv)
	}
	if b64 == "" {
		return nil, errors.New("encryption key not set")
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base64 key")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func newGCM() (cipher.AEAD, error) {
	key, err := encryptionKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptPassword seals plain with AES-GCM; the nonce is prepended. An empty
// password is stored as nil.
func EncryptPassword(plain string) ([]byte, error) {
	if plain == "" {
		return nil, nil
	}
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plain), nil), nil
}

func DecryptPassword(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to open ciphertext")
	}
	return string(plain), nil
}
