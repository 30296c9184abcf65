// Package signing computes and checks the HMAC-SHA256 signatures carried on
// heartbeats, terminal-status webhooks and session reports.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// HeaderSignature carries the hex signature of the raw request body.
const HeaderSignature = "X-Webhook-Signature"

var ErrBadSignature = errors.New("signature mismatch")

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sigHex against body. A "sha256=" prefix is accepted.
func Verify(secret string, body []byte, sigHex string) error {
	sigHex = strings.TrimPrefix(strings.TrimSpace(sigHex), "sha256=")
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}
