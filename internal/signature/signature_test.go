package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

const secret = "test_events_secret"

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"transaction.updated","data":{"transaction":{"id":"123","status":"APPROVED"}}}`)
	valid := Sign(body, secret)

	tests := []struct {
		name   string
		body   []byte
		header string
		secret string
		want   bool
	}{
		{"valid", body, valid, secret, true},
		{"valid with prefix", body, "sha256=" + valid, secret, true},
		{"valid with whitespace", body, " " + valid + "\n", secret, true},
		{"wrong secret", body, valid, "other", false},
		{"empty secret", body, valid, "", false},
		{"missing header", body, "", secret, false},
		{"not hex", body, "invalid_signature", secret, false},
		{"truncated", body, valid[:32], secret, false},
		{"body reformatted", []byte(`{"event": "transaction.updated", "data": {"transaction": {"id": "123", "status": "APPROVED"}}}`), valid, secret, false},
		{"body tampered", []byte(`{"event":"transaction.updated","data":{"transaction":{"id":"123","status":"DECLINED"}}}`), valid, secret, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(tt.body, tt.header, tt.secret))
		})
	}
}

func TestIntegrityChecksum(t *testing.T) {
	sum := sha256.Sum256([]byte("tx-1" + "450000" + "COP" + "integrity"))
	assert.Equal(t, hex.EncodeToString(sum[:]), IntegrityChecksum("tx-1", 450000, "COP", "integrity"))
}
