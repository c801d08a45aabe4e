package auth

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// signatureLen is the hex length of an HMAC-SHA512 digest.
const signatureLen = sha512.Size * 2

// Sign returns the lowercase hex HMAC-SHA512 of body keyed with secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA512 of the exact raw
// body bytes under secret. It never panics and returns false for an empty
// secret, an empty or non-hex header, or a digest of the wrong length. The
// comparison is constant-time.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	signature = strings.TrimSpace(signature)
	if len(signature) != signatureLen {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
