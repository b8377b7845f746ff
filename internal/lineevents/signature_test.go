package lineevents

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	secret := "test-channel-secret"
	body := []byte(`{"destination":"U1234","events":[]}`)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		valid     bool
	}{
		{"Valid signature", secret, body, sign(secret, body), true},
		{"Wrong secret", "other-secret", body, sign(secret, body), false},
		{"Tampered body", secret, []byte(`{"destination":"U9999","events":[]}`), sign(secret, body), false},
		{"Empty signature", secret, body, "", false},
		{"Empty secret", "", body, sign(secret, body), false},
		{"Not base64", secret, body, "%%%not-base64%%%", false},
		{"Truncated signature", secret, body, sign(secret, body)[:12], false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateSignature(tt.secret, tt.body, tt.signature))
		})
	}
}
