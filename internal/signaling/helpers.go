package signaling

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	httpToWS   = regexp.MustCompile(`^http://`)
	httpsToWSS = regexp.MustCompile(`^https://`)
)

// SanitizeWebSocketURL normalizes an HPB base URL into the WebSocket
// endpoint: http(s) schemes become ws(s) and the /spreed suffix is ensured.
func SanitizeWebSocketURL(raw string) string {
	raw = httpToWS.ReplaceAllString(raw, "ws://")
	raw = httpsToWSS.ReplaceAllString(raw, "wss://")
	raw = strings.TrimRight(raw, "/")
	if !strings.HasSuffix(raw, "/spreed") {
		raw += "/spreed"
	}
	return raw
}

// hmacSHA256 returns the lowercase hex HMAC-SHA256 of message under key.
func hmacSHA256(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateNonce produces the URL-safe random value signed during the hello
// handshake.
func generateNonce() (string, error) {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
