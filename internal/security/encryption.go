// Package security holds the controller's at-rest secret concerns: loaders
// for the TLS private key's side-channel passphrase file and the server
// secret file, both returned as stored without decryption, and an
// AES-GCM/PBKDF2 EncryptionService that the daemon itself does not call.
// Login credential verification does NOT use it — that goes through
// catalog.VerifyCredentials' bcrypt comparison instead.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionService derives a symmetric key from a passphrase and performs
// AES-GCM encrypt/decrypt around it.
type EncryptionService struct {
	masterKey []byte
}

// NewEncryptionService derives a key from passphrase via PBKDF2-SHA256.
func NewEncryptionService(passphrase string) *EncryptionService {
	salt := []byte("keyguardd-tls-passphrase-salt")
	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
	return &EncryptionService{masterKey: key}
}

// Encrypt encrypts plaintext, returning a base64-encoded nonce||ciphertext.
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (s *EncryptionService) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// LoadTLSPassphrase reads the raw passphrase bytes backing the TLS private
// key from a side-channel file at path, trimming any trailing newlines.
func LoadTLSPassphrase(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("security: reading TLS passphrase: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// LoadServerSecret reads the raw HMAC key bytes used to sign capability
// tokens from the server secret file.
func LoadServerSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("security: reading server secret: %w", err)
	}
	return data, nil
}
