// Package crypto seals provider API keys at rest with AES-256-GCM. Each sealed
// value records the id of the master key that produced it so keys can be
// rotated without a flag day.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKey = errors.New("unknown master key id")

type sealed struct {
	KeyID      string `json:"kid"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"ct"`
}

type Keyring struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentKeyID: currentKeyID, aeads: aeads}, nil
}

// Seal encrypts value with the current master key. binding is authenticated but
// not stored; the same binding must be passed to Open, which ties a sealed key
// to the row it was written for.
func (k *Keyring) Seal(value, binding string) (string, error) {
	aead := k.aeads[k.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(value), []byte(binding))
	b, err := json.Marshal(sealed{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sealed value: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) Open(raw, binding string) (string, error) {
	var s sealed
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", fmt.Errorf("unmarshal sealed value: %w", err)
	}
	aead, ok := k.aeads[s.KeyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, s.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce has %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(binding))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(pt), nil
}

// Rotate re-seals raw with the current key. It reports false when raw is
// already sealed with the current key and leaves it unchanged.
func (k *Keyring) Rotate(raw, binding string) (string, bool, error) {
	var s sealed
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", false, fmt.Errorf("unmarshal sealed value: %w", err)
	}
	if s.KeyID == k.currentKeyID {
		return raw, false, nil
	}
	plain, err := k.Open(raw, binding)
	if err != nil {
		return "", false, err
	}
	out, err := k.Seal(plain, binding)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// APIKeyBinding is the authenticated context for a user's provider key.
func APIKeyBinding(userID int64, provider string) string {
	return fmt.Sprintf("apikey:%d:%s", userID, provider)
}
