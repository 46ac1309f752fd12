// Package auth carries the HTTP middleware stack: static API key
// authentication, request IDs, CORS, and security headers.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/legivellum/receiptgate/pkg/contracts"
)

// KeyPrefix marks every ReceiptGate API key.
const KeyPrefix = "rg_"

// publicPaths are endpoints reachable without a key.
var publicPaths = []string{
	"/health",
}

// KeyAuth validates static bearer API keys.
type KeyAuth struct {
	keys          [][]byte
	allowInsecure bool
	log           *slog.Logger
}

// NewKeyAuth builds the validator. With no keys and allowInsecure unset the
// middleware fails closed on every request.
func NewKeyAuth(keys []string, allowInsecure bool, log *slog.Logger) *KeyAuth {
	a := &KeyAuth{allowInsecure: allowInsecure, log: log}
	for _, k := range keys {
		if k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// Middleware authenticates every non-public request. The key is taken from
// Authorization: Bearer or the X-API-Key header and compared in constant
// time.
func (a *KeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.allowInsecure && len(a.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if len(a.keys) == 0 {
			writeAuthError(w, http.StatusServiceUnavailable, "AUTH_NOT_CONFIGURED",
				"No API keys configured")
			return
		}

		key := extractKey(r)
		if key == "" {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED",
				"Missing API key")
			return
		}
		if !strings.HasPrefix(key, KeyPrefix) || !a.matches(key) {
			if a.log != nil {
				a.log.WarnContext(r.Context(), "rejected api key",
					slog.String("path", r.URL.Path),
					slog.String("remote", r.RemoteAddr),
				)
			}
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED",
				"Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *KeyAuth) matches(key string) bool {
	kb := []byte(key)
	ok := false
	// Compare against every key so timing does not reveal which one matched.
	for _, candidate := range a.keys {
		if subtle.ConstantTimeEq(int32(len(candidate)), int32(len(kb))) == 1 &&
			subtle.ConstantTimeCompare(candidate, kb) == 1 {
			ok = true
		}
	}
	return ok
}

func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(contracts.ErrorResponse{
		Error: contracts.ErrorObject{Code: code, Message: message},
	})
}

// GenerateKey mints a new API key with the rg_ prefix.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
