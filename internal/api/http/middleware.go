package apihttp

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/metrics"
)

// statusRecorder captures the status and body size written by a handler.
// SSE and WebSocket handlers need Flush and Hijack to pass through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.size += n
	return n, err
}

func (rec *statusRecorder) Flush() {
	if flusher, ok := rec.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func loggingMiddleware(logger *slog.Logger, proxies proxyTrust, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := normalizeRoute(r.URL.Path)
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Int("bytes", rec.size),
			slog.Int64("durationMs", time.Since(start).Milliseconds()),
			slog.String("clientIP", proxies.clientIP(r)),
		}
		if jobID := jobIDFromPath(r.URL.Path); jobID != "" {
			attrs = append(attrs, slog.String("jobId", jobID))
		}
		if route == "/resolve/stream" || route == "/jobs/:id/ws" {
			attrs = append(attrs, slog.Bool("streaming", true))
		}
		if userAgent := strings.TrimSpace(r.UserAgent()); userAgent != "" {
			attrs = append(attrs, slog.String("userAgent", truncate(userAgent, 120)))
		}
		logger.LogAttrs(r.Context(), pickRequestLogLevel(route, rec.status), "resolver request", attrs...)
	})
}

func recoveryMiddleware(logger *slog.Logger, proxies proxyTrust, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			logger.Error("resolver handler panicked",
				slog.Any("panic", recovered),
				slog.String("method", r.Method),
				slog.String("route", normalizeRoute(r.URL.Path)),
				slog.String("clientIP", proxies.clientIP(r)),
				slog.String("stack", string(debug.Stack())),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := normalizeRoute(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func normalizeRoute(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return path
	case path == "/resolve" || path == "/resolve/stream" || path == "/badlinks" || path == "/providers/health":
		return path
	case path == "/jobs" || path == "/jobs/history" || path == "/jobs/fallback":
		return path
	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/ws"):
		return "/jobs/:id/ws"
	case strings.HasPrefix(path, "/jobs/"):
		return "/jobs/:id"
	case strings.HasPrefix(path, "/sessions/"):
		return path
	default:
		return "/other"
	}
}

// pickRequestLogLevel keeps polling traffic (heartbeats, job reads) at debug.
func pickRequestLogLevel(route string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case route == "/health" || route == "/sessions/heartbeat" || route == "/jobs/:id":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func jobIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/jobs/")
	if !ok {
		return ""
	}
	id := strings.TrimSuffix(rest, "/ws")
	switch id {
	case "", "history", "fallback":
		return ""
	}
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}

// proxyTrust decides which peers may speak for the client through
// X-Forwarded-For and X-Real-IP. Session ownership is keyed on the result,
// so forwarding headers from any other peer are ignored.
type proxyTrust struct {
	prefixes []netip.Prefix
}

func parseTrustedProxies(entries []string) (proxyTrust, error) {
	var trust proxyTrust
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return proxyTrust{}, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			trust.prefixes = append(trust.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return proxyTrust{}, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		trust.prefixes = append(trust.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return trust, nil
}

func (t proxyTrust) trusts(raw string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range t.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP returns the peer address unless the peer is a trusted proxy. For
// trusted peers the X-Forwarded-For chain is walked right to left and the
// first untrusted hop wins.
func (t proxyTrust) clientIP(r *http.Request) string {
	peer := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(peer); err == nil && host != "" {
		peer = host
	}
	if !t.trusts(peer) {
		return peer
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !t.trusts(hop) {
				return hop
			}
		}
	}
	if xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); xRealIP != "" {
		return xRealIP
	}
	return peer
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

// rateLimitMiddleware applies a global token bucket. Heartbeats are exempt so
// a burst of resolutions never expires a live session.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics", "/sessions/heartbeat":
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
