package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
)

type ctxKey int

const userIDKey ctxKey = iota

// SignUserToken issues a bearer token of the form "<userID>.<hex hmac>".
func SignUserToken(secret string, userID int64) string {
	id := strconv.FormatInt(userID, 10)
	return id + "." + hex.EncodeToString(sign(secret, id))
}

// ParseUserToken validates a token and returns the user id.
func ParseUserToken(secret, token string) (int64, bool) {
	id, sig, ok := strings.Cut(token, ".")
	if !ok || id == "" {
		return 0, false
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return 0, false
	}
	if !hmac.Equal(sign(secret, id), expected) {
		return 0, false
	}
	userID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	return userID, true
}

func sign(secret, id string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(id))
	return h.Sum(nil)
}

// UserAuthMiddleware requires a valid bearer token and stores the user id in the context.
func UserAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || strings.TrimSpace(token) == "" {
				WriteError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			userID, ok := ParseUserToken(secret, strings.TrimSpace(token))
			if !ok {
				WriteError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
