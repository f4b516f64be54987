package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// envelopeVersion is the only envelope format version in existence.
const envelopeVersion = 1

// gcmNonceLen is the AES-GCM nonce length in bytes.
const gcmNonceLen = 12

// ErrDecrypt is returned for any envelope that fails to open: wrong key,
// truncated ciphertext, or a tampered tag. The cause is deliberately not
// distinguished to the caller.
var ErrDecrypt = errors.New("e2ee: envelope decryption failed")

// Envelope is the sealed form of a protocol message: AES-256-GCM with a
// fresh random nonce per message. Ciphertext includes the GCM tag.
type Envelope struct {
	V          int    `json:"v"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Seal encrypts plaintext under the derived key, producing an envelope
// with a fresh 12-byte random nonce.
func Seal(key, plaintext []byte) (*Envelope, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("e2ee: generating nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		V:          envelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Open decrypts an envelope under the derived key. Any failure (bad
// version, malformed base64, wrong key, tampered ciphertext) returns
// ErrDecrypt so callers cannot leak which check failed.
func Open(key []byte, env *Envelope) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}

	if env == nil || env.V != envelopeVersion {
		return nil, ErrDecrypt
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != gcmNonceLen {
		return nil, ErrDecrypt
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return pt, nil
}

// newGCM constructs the AES-256-GCM AEAD for a 32-byte key.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("e2ee: creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("e2ee: creating GCM: %w", err)
	}

	return aead, nil
}
