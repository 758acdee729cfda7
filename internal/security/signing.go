package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"
)

// Header names for the request authentication envelope.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// SignRequest computes the request signature over body + "." + timestamp
// using the shared client secret. The timestamp is in milliseconds.
func SignRequest(body []byte, timestampMillis int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte("."))
	mac.Write([]byte(strconv.FormatInt(timestampMillis, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyRequest recomputes the request signature and compares it in constant
// time.
func VerifyRequest(body []byte, timestampMillis int64, secret, signature string) bool {
	expected := SignRequest(body, timestampMillis, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// SignPayload signs a serialized response payload so the client can verify
// authenticity of what it caches.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload checks a response payload signature in constant time.
func VerifyPayload(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// CheckTimestamp reports whether a millisecond timestamp is within the
// allowed skew of now.
func CheckTimestamp(timestampMillis int64, now time.Time, skew time.Duration) bool {
	delta := now.UnixMilli() - timestampMillis
	if delta < 0 {
		delta = -delta
	}
	return delta <= skew.Milliseconds()
}

// HashMachineCode derives the hash stored server-side for a client-submitted
// machine code. The raw client value is never persisted, only this keyed
// digest.
func HashMachineCode(machineCode, pepper string) string {
	sum := sha256.Sum256([]byte(machineCode + pepper))
	return hex.EncodeToString(sum[:])
}

// SecureCompare performs constant-time comparison to prevent timing attacks.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
