package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/legivellum/receiptgate/pkg/contracts"
)

// Rules configures the HTTP middleware tiers. Zero disables a tier.
type Rules struct {
	PerIPMinute  int // all requests, keyed by client IP
	PerKeyMinute int // authenticated requests, keyed by API key prefix
	BurstRPS     float64
	BurstSize    int

	TrustedProxies []string // CIDRs whose X-Forwarded-For is honored
}

// Middleware enforces the configured tiers. Limiter failures fail open so a
// Redis outage never takes the write path down.
func Middleware(limiter Limiter, rules Rules, log *slog.Logger) func(http.Handler) http.Handler {
	var guard *BurstGuard
	if rules.BurstRPS > 0 {
		guard = NewBurstGuard(rules.BurstRPS, rules.BurstSize)
	}
	trusted := parseCIDRs(rules.TrustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r, trusted)

			if guard != nil && !guard.Allow(ip) {
				writeLimited(w, Result{Limit: int(rules.BurstRPS), ResetAt: time.Now().Add(time.Second)})
				return
			}

			if rules.PerIPMinute > 0 {
				res, err := limiter.Allow(r.Context(), "ip:"+ip, rules.PerIPMinute, time.Minute)
				if err != nil {
					if log != nil {
						log.WarnContext(r.Context(), "rate limiter unavailable, failing open",
							slog.String("error", err.Error()))
					}
				} else if !res.Allowed {
					writeLimited(w, res)
					return
				}
			}

			if rules.PerKeyMinute > 0 {
				if prefix := keyPrefix(r); prefix != "" {
					res, err := limiter.Allow(r.Context(), "key:"+prefix, rules.PerKeyMinute, time.Minute)
					if err == nil && !res.Allowed {
						writeLimited(w, res)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// keyPrefix identifies a caller by the first characters of its API key.
// Long enough to distinguish keys, short enough to keep full keys out of
// limiter storage.
func keyPrefix(r *http.Request) string {
	key := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			key = strings.TrimSpace(parts[1])
		}
	}
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}
	if len(key) > 11 {
		key = key[:11]
	}
	return key
}

// clientIP resolves the caller address, honoring X-Forwarded-For only when
// the direct peer is a trusted proxy.
func clientIP(r *http.Request, trusted []*net.IPNet) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !ipInNets(peer, trusted) {
		return host
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return host
	}
	// Client is the first hop in the chain.
	first := strings.TrimSpace(strings.Split(fwd, ",")[0])
	if net.ParseIP(first) != nil {
		return first
	}
	return host
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

func ipInNets(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func writeLimited(w http.ResponseWriter, res Result) {
	retryAfter := int(time.Until(res.ResetAt).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(contracts.ErrorResponse{
		Error: contracts.ErrorObject{
			Code:    "RATE_LIMITED",
			Message: "Too many requests",
			Details: map[string]any{"retry_after_seconds": retryAfter},
		},
	})
}
