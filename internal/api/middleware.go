package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SecurityHeaders sets conservative defaults on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// BearerAuth validates the static API token. An empty configured token
// disables authentication (local-only deployments behind the loopback).
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ipBucket is a token bucket for one client IP.
type ipBucket struct {
	tokens   float64
	lastSeen time.Time
}

// IPRateLimit limits requests per client IP with a token bucket.
// Buckets idle for ten minutes are dropped.
func IPRateLimit(requestsPerMinute, burst int) func(http.Handler) http.Handler {
	if requestsPerMinute < 1 {
		requestsPerMinute = 60
	}
	if burst < 1 {
		burst = requestsPerMinute
	}
	refillPerSec := float64(requestsPerMinute) / 60

	var mu sync.Mutex
	buckets := make(map[string]*ipBucket)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			now := time.Now()

			mu.Lock()
			b, ok := buckets[ip]
			if !ok {
				b = &ipBucket{tokens: float64(burst), lastSeen: now}
				buckets[ip] = b
			}
			b.tokens += now.Sub(b.lastSeen).Seconds() * refillPerSec
			if b.tokens > float64(burst) {
				b.tokens = float64(burst)
			}
			b.lastSeen = now

			allowed := b.tokens >= 1
			if allowed {
				b.tokens--
			}

			// Opportunistic cleanup of idle buckets.
			if len(buckets) > 1024 {
				for k, v := range buckets {
					if now.Sub(v.lastSeen) > 10*time.Minute {
						delete(buckets, k)
					}
				}
			}
			mu.Unlock()

			if !allowed {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
