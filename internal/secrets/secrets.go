// Package secrets encrypts credentials at rest.
//
// Envelopes look like "v1:" + base64(nonce || tag || ciphertext) using
// AES-256-GCM with a 12-byte random nonce and a 16-byte tag.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	envelopeVersion = "v1:"
	nonceSize       = 12
	tagSize         = 16
	keySize         = 32

	kdfSalt = "salt"
)

var ErrDecrypt = errors.New("secrets: decryption failed")

type Codec struct {
	aead cipher.AEAD
}

// DeriveKey turns the configured secret into a 32-byte key: 64 hex digits are
// used as raw bytes, a base64 value decoding to 32 bytes is used directly,
// anything else is stretched with scrypt over a fixed salt.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("secrets: empty encryption key")
	}
	if len(secret) == 64 {
		if b, err := hex.DecodeString(secret); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(secret); err == nil && len(b) == keySize {
		return b, nil
	}
	key, err := scrypt.Key([]byte(secret), []byte(kdfSalt), 16384, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	return key, nil
}

func New(secret string) (*Codec, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	buf := make([]byte, 0, nonceSize+tagSize+len(ct))
	buf = append(buf, nonce...)
	buf = append(buf, tag...)
	buf = append(buf, ct...)
	return envelopeVersion + base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens an envelope. An empty envelope means "no secret stored" and
// yields "". Anything malformed or failing authentication returns ErrDecrypt.
func (c *Codec) Decrypt(envelope string) (string, error) {
	if envelope == "" {
		return "", nil
	}
	payload, ok := strings.CutPrefix(envelope, envelopeVersion)
	if !ok {
		return "", fmt.Errorf("%w: unsupported envelope version", ErrDecrypt)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: malformed envelope", ErrDecrypt)
	}
	if len(raw) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: envelope too short", ErrDecrypt)
	}
	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	return string(plain), nil
}

// EncryptIfSet leaves empty values empty so "no secret" round-trips.
func (c *Codec) EncryptIfSet(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return c.Encrypt(plaintext)
}
