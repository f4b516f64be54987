package e2ee

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// pairingCodeModulus bounds the 6-decimal-digit pairing code space.
const pairingCodeModulus = 1_000_000

// NewPairingCode generates a 6-decimal-digit pairing code from CSPRNG
// bytes. The raw code is shown to the user; only its hash travels on the
// wire.
func NewPairingCode() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("e2ee: generating pairing code: %w", err)
	}

	n := binary.BigEndian.Uint64(buf[:]) % pairingCodeModulus

	return fmt.Sprintf("%06d", n), nil
}

// HashPairingCode returns hex(SHA-256(code)), the form transmitted in
// pair-request messages.
func HashPairingCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
