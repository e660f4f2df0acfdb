package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/scrypt"
)

// Box encrypts and decrypts short string secrets (API keys) with a master key.
// Sealed values are self-contained: base64(salt || nonce || ciphertext), with a
// per-value scrypt-derived AES-256-GCM key.
type Box struct {
	masterKey []byte
}

const (
	saltSize  = 16
	nonceSize = 12
)

// NewBox wraps an existing master key. The key must be non-empty.
func NewBox(masterKey []byte) (*Box, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("empty master key")
	}
	return &Box{masterKey: masterKey}, nil
}

// Open loads the master key from keyFile, generating and persisting a fresh one
// (0600) when the file does not exist yet.
func Open(keyFile string) (*Box, error) {
	if data, err := os.ReadFile(keyFile); err == nil {
		key, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil || len(key) == 0 {
			return nil, fmt.Errorf("master key file %s is not valid base64", keyFile)
		}
		return NewBox(key)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key %s: %w", keyFile, err)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(base64.StdEncoding.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write master key %s: %w", keyFile, err)
	}
	log.WithField("path", keyFile).Info("Created new master encryption key")
	return NewBox(key)
}

// Seal encrypts a plaintext secret.
func (b *Box) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := b.cipherFor(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	blob := make([]byte, 0, saltSize+nonceSize+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Unseal decrypts a value produced by Seal.
func (b *Box) Unseal(sealed string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(blob) < saltSize+nonceSize+1 {
		return "", fmt.Errorf("sealed value too short")
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	gcm, err := b.cipherFor(salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func (b *Box) cipherFor(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(b.masterKey, salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
