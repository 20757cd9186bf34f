package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const signaturePrefix = "sha256="

var (
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Sign returns the sha256=<hex> signature GitHub sends for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature over the raw body. The
// signature may carry a "sha256=" prefix; the comparison is constant-time.
func VerifySignature(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: webhook secret is not configured", ErrBadSignature)
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrBadSignature)
	}
	signature = strings.TrimPrefix(signature, signaturePrefix)
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
