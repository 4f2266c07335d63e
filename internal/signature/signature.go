// Package signature authenticates gateway webhooks and signs outbound integrity checksums.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const prefix = "sha256="

// Verify reports whether header carries the hex HMAC-SHA256 of raw under secret.
// raw must be the body exactly as received. An empty secret, a missing header or a
// header that is not valid hex is rejected.
func Verify(raw []byte, header, secret string) bool {
	if secret == "" {
		return false
	}
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, prefix)
	if header == "" {
		return false
	}

	got, err := hex.DecodeString(header)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, mac(raw, secret))
}

// Sign returns the header value Verify accepts for raw.
func Sign(raw []byte, secret string) string {
	return hex.EncodeToString(mac(raw, secret))
}

func mac(raw []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(raw)
	return h.Sum(nil)
}

// IntegrityChecksum is the checksum the gateway expects on charge creation:
// hex SHA-256 of reference, amount in minor units, currency and the integrity key, concatenated.
func IntegrityChecksum(reference string, amount int64, currency, integrityKey string) string {
	sum := sha256.Sum256([]byte(reference + strconv.FormatInt(amount, 10) + currency + integrityKey))
	return hex.EncodeToString(sum[:])
}
