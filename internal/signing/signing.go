// Package signing provides the HMAC-SHA256 payload signatures used on
// both sides of the webhook boundary: outbound notification webhooks
// are signed, inbound payment webhooks are verified.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HeaderName is the canonical signature header.
const HeaderName = "X-Webhook-Signature"

// Sign computes the signature header value for a payload:
// "sha256=<hex hmac>".
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the payload using a
// constant-time comparison. Accepts the value with or without the
// "sha256=" prefix.
func Verify(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}

	got := strings.TrimPrefix(signature, "sha256=")
	want := strings.TrimPrefix(Sign(secret, payload), "sha256=")

	return hmac.Equal([]byte(got), []byte(want))
}
