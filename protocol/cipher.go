package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Cipher transforms payloads on their way to and from the wire. Seal runs
// immediately before transmission, Open immediately after receipt; both
// operate on the JSON payload document so the envelope itself stays
// readable for routing.
type Cipher interface {
	Seal(payload json.RawMessage) (json.RawMessage, error)
	Open(payload json.RawMessage) (json.RawMessage, error)
}

// NewCipher builds the payload cipher from a hex-encoded key. An empty key
// selects the passthrough cipher; a 16- or 32-byte key selects AES-GCM.
func NewCipher(hexKey string) (Cipher, error) {
	if hexKey == "" {
		return nopCipher{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("protocol: encryption key is not hex: %w", err)
	}
	if len(key) != 16 && len(key) != 32 {
		return nil, fmt.Errorf("protocol: encryption key must be 16 or 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("protocol: build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("protocol: build cipher: %w", err)
	}
	return &gcmCipher{aead: aead}, nil
}

// nopCipher passes payloads through untouched.
type nopCipher struct{}

func (nopCipher) Seal(payload json.RawMessage) (json.RawMessage, error) { return payload, nil }
func (nopCipher) Open(payload json.RawMessage) (json.RawMessage, error) { return payload, nil }

// gcmCipher seals the payload with AES-GCM. The nonce is prepended to the
// ciphertext and the whole blob is carried as a base64 JSON string, so the
// sealed payload is still a valid payload document.
type gcmCipher struct {
	aead cipher.AEAD
}

func (c *gcmCipher) Seal(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("protocol: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, payload, nil)
	out, err := json.Marshal(base64.StdEncoding.EncodeToString(sealed))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *gcmCipher) Open(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	var encoded string
	if err := json.Unmarshal(payload, &encoded); err != nil {
		return nil, errors.New("protocol: sealed payload is not a base64 string")
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode sealed payload: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, errors.New("protocol: sealed payload too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("protocol: payload authentication failed")
	}
	return plain, nil
}
