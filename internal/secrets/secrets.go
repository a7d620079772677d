// Package secrets provides the small crypto surface the session actor
// needs: encrypting OAuth tokens at rest, hashing subscribe tokens, and
// generating bearer tokens.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrBadKey        = errors.New("encryption key must be 32 bytes of hex")
	ErrBadCiphertext = errors.New("malformed ciphertext")
)

// Box encrypts and decrypts short secrets with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a 64-char hex key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64 token carrying the nonce.
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(token string) (string, error) {
	sealed, err := base64.RawStdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrBadCiphertext
	}
	ns := b.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrBadCiphertext
	}
	plain, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(plain), nil
}

// NewToken returns a fresh random bearer token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read token bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 of a token for at-rest storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares a presented token against a stored hash in
// constant time.
func VerifyToken(token, storedHash string) bool {
	return hmac.Equal([]byte(HashToken(token)), []byte(storedHash))
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Used for
// completion-callback signatures.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
