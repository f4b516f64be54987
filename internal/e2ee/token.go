package e2ee

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTokenTTL is how long a minted device token remains valid.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Token verification errors.
var (
	ErrTokenMalformed = errors.New("e2ee: malformed device token")
	ErrTokenSignature = errors.New("e2ee: device token signature mismatch")
	ErrTokenExpired   = errors.New("e2ee: device token expired")
)

// TokenPayload is the signed content of a device token. ExpiresAt is
// epoch milliseconds.
type TokenPayload struct {
	DeviceID  string `json:"deviceId"`
	VaultID   string `json:"vaultId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// MintToken signs a token for (deviceID, vaultID) under the server secret.
// Format: base64(payloadJSON) + ":" + hex(HMAC-SHA256(payloadJSON, secret)).
func MintToken(deviceID, vaultID string, secret []byte, ttl time.Duration) (string, error) {
	payload := TokenPayload{
		DeviceID:  deviceID,
		VaultID:   vaultID,
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("e2ee: encoding token payload: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)

	return base64.StdEncoding.EncodeToString(raw) + ":" + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyToken checks a token's signature and expiry, returning the payload
// on success. The HMAC comparison is constant-time.
func VerifyToken(token string, secret []byte) (*TokenPayload, error) {
	// The base64 alphabet never contains ':', so the last colon separates
	// payload from signature.
	idx := strings.LastIndex(token, ":")
	if idx < 0 {
		return nil, ErrTokenMalformed
	}

	raw, err := base64.StdEncoding.DecodeString(token[:idx])
	if err != nil {
		return nil, ErrTokenMalformed
	}

	sig, err := hex.DecodeString(token[idx+1:])
	if err != nil {
		return nil, ErrTokenMalformed
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)

	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrTokenSignature
	}

	var payload TokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrTokenMalformed
	}

	if time.Now().UnixMilli() >= payload.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &payload, nil
}
