package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/hkdf"
)

// MasterKeyEnv overrides the key file when set to 64 hex characters.
const MasterKeyEnv = "LOGBOOK_MASTER_KEY"

const keySize = 32

const (
	// FingerprintSize is the length of Cipher.Fingerprint.
	FingerprintSize = 8
	// SealedOverhead is what Encrypt adds to the plaintext: nonce and GCM tag.
	SealedOverhead = 12 + 16
)

var (
	ErrInvalidKey = errors.New("master key must be 32 bytes")
	// ErrKeyMismatch means the data was sealed under a different key.
	ErrKeyMismatch = errors.New("data was sealed under a different key")
	// ErrAuthFailed means the ciphertext was altered after sealing.
	ErrAuthFailed = errors.New("ciphertext failed authentication")
)

// LoadMasterKey resolves the master key from the environment, then the key
// file, and generates and saves a new one if neither exists. It reports
// whether a key was generated.
func LoadMasterKey(fs afero.Fs, keyPath string) ([]byte, bool, error) {
	if envKey := os.Getenv(MasterKeyEnv); envKey != "" {
		key, err := hex.DecodeString(strings.TrimSpace(envKey))
		if err != nil || len(key) != keySize {
			return nil, false, fmt.Errorf("%s: %w", MasterKeyEnv, ErrInvalidKey)
		}
		return key, false, nil
	}

	data, err := afero.ReadFile(fs, keyPath)
	switch {
	case err == nil:
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != keySize {
			return nil, false, fmt.Errorf("key file %s: %w", keyPath, ErrInvalidKey)
		}
		return key, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("failed to read key file: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random key: %w", err)
	}
	if err := afero.WriteFile(fs, keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, false, fmt.Errorf("failed to save master key to %s: %w", keyPath, err)
	}
	return key, true, nil
}

// Cipher seals data with AES-256-GCM under a key derived from the master
// key for one purpose, so the master key itself never encrypts anything.
type Cipher struct {
	aead        cipher.AEAD
	fingerprint []byte
}

// NewCipher derives a purpose-specific key with HKDF-SHA256.
func NewCipher(masterKey []byte, purpose string) (*Cipher, error) {
	if len(masterKey) != keySize {
		return nil, ErrInvalidKey
	}

	subkey := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(purpose))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	fingerprint := make([]byte, FingerprintSize)
	kdf = hkdf.New(sha256.New, masterKey, nil, []byte(purpose+"/fingerprint"))
	if _, err := io.ReadFull(kdf, fingerprint); err != nil {
		return nil, fmt.Errorf("deriving fingerprint: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: gcm, fingerprint: fingerprint}, nil
}

// Fingerprint identifies the derived key without revealing it. Two ciphers
// share a fingerprint only when built from the same master key and purpose.
func (c *Cipher) Fingerprint() []byte {
	return append([]byte(nil), c.fingerprint...)
}

// Encrypt returns nonce + ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce + ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthFailed)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
