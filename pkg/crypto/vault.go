// Package crypto provides encryption for Cloudflare API tokens stored at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeyHexLength is the required length of the hex-encoded key (32 bytes).
	KeyHexLength = 64
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	segmentSeparator = ":"
)

var (
	// ErrInvalidKey is returned when the encryption key is not a 64-character hex string.
	ErrInvalidKey = errors.New("invalid encryption key: ENCRYPTION_KEY must be a 64-character hex string (256 bits)")
	// ErrDecryptionFailed is returned when a blob cannot be parsed or fails authentication.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// TokenVault provides AES-256-GCM encryption for API tokens.
// Ciphertexts are serialized as base64(iv):base64(tag):base64(ciphertext).
// A single key serves every tenant; each Encrypt call draws a fresh random nonce.
type TokenVault struct {
	gcm cipher.AEAD
}

// NewTokenVault creates a vault from a 64-character hex key.
// Any other key shape is rejected so a misconfigured server fails at startup.
func NewTokenVault(hexKey string) (*TokenVault, error) {
	if len(hexKey) != KeyHexLength {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &TokenVault{gcm: gcm}, nil
}

// Encrypt encrypts plaintext and returns "iv:tag:ciphertext".
func (v *TokenVault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal returns ciphertext || tag
	sealed := v.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, segmentSeparator), nil
}

// Decrypt parses "iv:tag:ciphertext" and returns the plaintext.
// It never returns partial plaintext: any malformed or tampered blob yields ErrDecryptionFailed.
func (v *TokenVault) Decrypt(blob string) (string, error) {
	segments := strings.Split(blob, segmentSeparator)
	if len(segments) != 3 {
		return "", fmt.Errorf("%w: expected iv:tag:ciphertext, got %d segments", ErrDecryptionFailed, len(segments))
	}
	if segments[0] == "" || segments[1] == "" {
		return "", fmt.Errorf("%w: empty iv or tag", ErrDecryptionFailed)
	}

	nonce, err := base64.StdEncoding.DecodeString(segments[0])
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}
	tag, err := base64.StdEncoding.DecodeString(segments[1])
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(segments[2])
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	if len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: iv must be %d bytes", ErrDecryptionFailed, NonceSize)
	}
	if len(tag) != TagSize {
		return "", fmt.Errorf("%w: tag must be %d bytes", ErrDecryptionFailed, TagSize)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	return string(plaintext), nil
}
