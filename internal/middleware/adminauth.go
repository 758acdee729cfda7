package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"keygate/pkg/contracts/domain"
)

// IssueAdminToken mints a signed operator bearer token.
func IssueAdminToken(username, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "keygate",
	})
	return token.SignedString([]byte(secret))
}

// AdminAuth guards operator endpoints with a Bearer token issued by the
// login endpoint. The token must be HS256-signed with the configured secret,
// unexpired, and carry the operator username as its subject.
func AdminAuth(username, secret string) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || raw == "" {
				deny(w, r, http.StatusUnauthorized, domain.CodeInvalidSignature, "missing bearer token")
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, keyFunc,
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			)
			if err != nil || !token.Valid || claims.Subject != username {
				deny(w, r, http.StatusUnauthorized, domain.CodeInvalidSignature, "invalid bearer token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
