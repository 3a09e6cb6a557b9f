package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix is the scheme tag carried in the X-Signature header.
const signaturePrefix = "sha256="

// Sign computes the HMAC-SHA256 signature of a payload in header form:
// "sha256=<hex>".
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against a payload in constant time.
// Subscribers use this on their end of the wire.
func Verify(secret string, payload []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(header))
}

// VerifyAny checks the header against any of the given secrets, so
// verification keeps working across a secret rotation.
func VerifyAny(payload []byte, header string, secrets ...string) bool {
	for _, secret := range secrets {
		if secret != "" && Verify(secret, payload, header) {
			return true
		}
	}
	return false
}
