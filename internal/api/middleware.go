package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/rate"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

// timeoutMiddleware bounds every request. Work still running at the deadline
// sees a cancelled context and fails with internal_timeout.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimitMiddleware applies a per-source limiter to every request.
func rateLimitMiddleware(l rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(w, r, l, clientIP(r)) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allow consults l and writes a 429 when the key is over its limit. Limiter
// failures let the request through.
func allow(w http.ResponseWriter, r *http.Request, l rate.Limiter, key string) bool {
	res, err := l.Allow(r.Context(), key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
		return true
	}
	if res.Allowed {
		return true
	}
	if res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds()+0.999)))
	}
	log.Warn().Str("key", key).Str("path", r.URL.Path).Msg("rate limit exceeded")
	writeError(w, r, errs.E(errs.TooManyAttempts, "too many attempts, retry later"))
	return false
}

// trustedProxyMiddleware lets chi's RealIP rewrite the peer address from
// forwarding headers, but only for requests whose peer is a listed proxy.
// Forwarding headers from anyone else are ignored.
func trustedProxyMiddleware(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		forwarded := chimiddleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fromTrusted(r.RemoteAddr, trusted) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func fromTrusted(remoteAddr string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(peerHost(remoteAddr))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP is the peer address, as rewritten by trustedProxyMiddleware.
func clientIP(r *http.Request) string {
	return peerHost(r.RemoteAddr)
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
