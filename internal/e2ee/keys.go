// Package e2ee implements the cryptographic primitives for end-to-end
// encrypted vault synchronization: passphrase key derivation, vault and
// device identity, AEAD message envelopes, pairing codes, and HMAC-signed
// device tokens. The relay never holds the derived key; everything it sees
// is either whitelisted plaintext or an opaque envelope.
package e2ee

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters. The salt is a fixed application string: the
// passphrase is the sole secret, and a fixed salt is what lets two devices
// derive the same key (and therefore the same vault id) independently.
const (
	kdfIterations = 100_000
	kdfSalt       = "vaultsync-v1-key-derivation"
	keyLen        = 32

	vaultIDHexLen  = 32
	deviceIDHexLen = 16
)

// ErrNoKey is returned when an operation requires an active E2E key but
// none has been derived (e.g. unsealing an envelope without a passphrase).
var ErrNoKey = errors.New("e2ee: no encryption key active")

// DeriveKey derives the 256-bit AEAD key from a vault passphrase using
// PBKDF2-HMAC-SHA256 with a fixed application salt.
func DeriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(kdfSalt), kdfIterations, keyLen, sha256.New)
}

// VaultID returns the vault identity for a derived key: the first 32 hex
// characters of SHA-256 over the raw key bytes. It proves passphrase
// knowledge without revealing the key; devices deriving the same key
// compute the same vault id and are grouped by the relay.
func VaultID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])[:vaultIDHexLen]
}

// DeviceID returns the stable device identity for a (hostname, vaultPath)
// pair: the first 16 hex characters of SHA-256("hostname:vaultPath").
func DeviceID(hostname, vaultPath string) string {
	sum := sha256.Sum256([]byte(hostname + ":" + vaultPath))
	return hex.EncodeToString(sum[:])[:deviceIDHexLen]
}
