package signaling

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"https://hpb.example.com":            "wss://hpb.example.com/spreed",
		"https://hpb.example.com/":           "wss://hpb.example.com/spreed",
		"http://hpb.example.com":             "ws://hpb.example.com/spreed",
		"wss://hpb.example.com/spreed":       "wss://hpb.example.com/spreed",
		"https://hpb.example.com/standalone": "wss://hpb.example.com/standalone/spreed",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeWebSocketURL(in), "input %q", in)
	}
}

func TestHMACSHA256IsLowercaseHex(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte("nonce-value"))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, hmacSHA256("topsecret", "nonce-value"))
}

func TestGenerateNonceIsURLSafe(t *testing.T) {
	nonce, err := generateNonce()
	require.NoError(t, err)

	decoded, err := base64.RawURLEncoding.DecodeString(nonce)
	require.NoError(t, err)
	assert.Len(t, decoded, 64)

	other, err := generateNonce()
	require.NoError(t, err)
	assert.NotEqual(t, nonce, other)
}
