package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrSignatureInvalid covers a missing, malformed or mismatching digest.
	ErrSignatureInvalid = errors.New("invalid webhook signature")
	// ErrSecretMissing means the service has no shared secret configured.
	ErrSecretMissing = errors.New("webhook secret not configured")
)

// VerifySignature checks that signature is the lowercase hex HMAC-SHA256 of
// raw under secret. raw must be the exact bytes received.
func VerifySignature(raw []byte, signature, secret string) error {
	if secret == "" {
		return ErrSecretMissing
	}
	if len(signature) != hex.EncodedLen(sha256.Size) || !lowerHex(signature) {
		return ErrSignatureInvalid
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}

func lowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Sign returns the hex digest a sender would put in the signature header.
func Sign(raw []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
