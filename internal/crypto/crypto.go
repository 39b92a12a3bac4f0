package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
)

const (
	keyFileName  = ".encryption.key"
	saltFileName = ".encryption.salt"
	keySize      = 32
)

// CryptoManager handles encryption/decryption of secrets kept in the
// file-fallback credential backend.
type CryptoManager struct {
	key []byte
}

// NewCryptoManager loads the key stored in dataDir, creating one on first use.
// When passphrase is non-empty the key is derived from it with argon2id and
// only a random salt is persisted.
func NewCryptoManager(dataDir, passphrase string) (*CryptoManager, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var (
		key []byte
		err error
	)
	if passphrase != "" {
		key, err = deriveKey(dataDir, passphrase)
	} else {
		key, err = getOrCreateKey(filepath.Join(dataDir, keyFileName))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return &CryptoManager{key: key}, nil
}

func getOrCreateKey(keyPath string) ([]byte, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		key := make([]byte, keySize)
		n, err := base64.StdEncoding.Decode(key, data)
		if err == nil && n == keySize {
			return key, nil
		}
		return nil, fmt.Errorf("encryption key %s is corrupt", keyPath)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	log.Info().Str("path", keyPath).Msg("Generated new encryption key")
	return key, nil
}

func deriveKey(dataDir, passphrase string) ([]byte, error) {
	saltPath := filepath.Join(dataDir, saltFileName)
	salt, err := os.ReadFile(saltPath)
	if err != nil || len(salt) != 16 {
		salt = make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
	}
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, keySize), nil
}

// Encrypt encrypts data using AES-GCM
func (c *CryptoManager) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data using AES-GCM
func (c *CryptoManager) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (c *CryptoManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptString encrypts a string and returns base64
func (c *CryptoManager) EncryptString(plaintext string) (string, error) {
	encrypted, err := c.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptString decrypts a base64 string
func (c *CryptoManager) DecryptString(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	decrypted, err := c.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(decrypted), nil
}
