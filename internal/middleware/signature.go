package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"keygate/internal/security"
	"keygate/pkg/contracts/domain"
)

// maxSignedBodyBytes bounds how much request body the verifier will buffer.
const maxSignedBodyBytes = 64 << 10

// VerifySignature authenticates signed client requests.
//
// The client sends X-Timestamp (unix milliseconds) and X-Signature
// (hex HMAC-SHA256 over body + "." + timestamp with the shared secret).
// Requests outside the skew window are rejected before the signature is
// even computed, which bounds the replay window to 2*skew. The buffered
// body is handed to the next handler untouched.
func VerifySignature(secret string, skew time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tsHeader := r.Header.Get(security.HeaderTimestamp)
			if tsHeader == "" {
				deny(w, r, http.StatusBadRequest, domain.CodeMissingTimestamp, "missing timestamp header")
				return
			}
			ts, err := strconv.ParseInt(tsHeader, 10, 64)
			if err != nil {
				deny(w, r, http.StatusBadRequest, domain.CodeInvalidTimestamp, "malformed timestamp header")
				return
			}
			if !security.CheckTimestamp(ts, time.Now(), skew) {
				deny(w, r, http.StatusBadRequest, domain.CodeInvalidTimestamp, "timestamp outside accepted window")
				return
			}

			signature := r.Header.Get(security.HeaderSignature)
			if signature == "" {
				deny(w, r, http.StatusUnauthorized, domain.CodeMissingSignature, "missing signature header")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
			if err != nil || len(body) > maxSignedBodyBytes {
				deny(w, r, http.StatusBadRequest, domain.CodeMissingParams, "unreadable request body")
				return
			}
			r.Body.Close()

			if !security.VerifyRequest(body, ts, secret, signature) {
				deny(w, r, http.StatusUnauthorized, domain.CodeInvalidSignature, "request signature mismatch")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
