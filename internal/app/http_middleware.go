package app

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rars/api/internal/idempotency"
)

const (
	maxRateClients = 10000
	rateClientIdle = 10 * time.Minute
)

type rateEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// rateLimiter keeps one token bucket per client address. Buckets idle for
// rateClientIdle are dropped when the table is full; if none are idle the
// least recently seen bucket goes.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateEntry
	rate    rate.Limit
	burst   int
	trusted []netip.Prefix
	now     func() time.Time
}

func newRateLimiter(perMinute, burst int, trusted []netip.Prefix) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		clients: make(map[string]*rateEntry),
		rate:    rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		trusted: trusted,
		now:     time.Now,
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if entry, ok := rl.clients[key]; ok {
		entry.seen = now
		return entry.limiter
	}
	if len(rl.clients) >= maxRateClients {
		rl.evictLocked(now)
	}
	entry := &rateEntry{limiter: rate.NewLimiter(rl.rate, rl.burst), seen: now}
	rl.clients[key] = entry
	return entry.limiter
}

func (rl *rateLimiter) evictLocked(now time.Time) {
	oldestKey := ""
	var oldest time.Time
	for key, entry := range rl.clients {
		if now.Sub(entry.seen) > rateClientIdle {
			delete(rl.clients, key)
			continue
		}
		if oldestKey == "" || entry.seen.Before(oldest) {
			oldestKey, oldest = key, entry.seen
		}
	}
	if len(rl.clients) >= maxRateClients && oldestKey != "" {
		delete(rl.clients, oldestKey)
	}
}

func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter(clientAddress(r, rl.trusted)).Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute.Seconds())))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many verification requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseTrustedProxies accepts bare addresses and CIDR prefixes. Entries that
// parse as neither are skipped.
func parseTrustedProxies(values []string, logger *zap.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, value := range values {
		if prefix, err := netip.ParsePrefix(value); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(value); err == nil {
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		logger.Warn("ignoring trusted proxy entry", zap.String("value", value))
	}
	return out
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddress is the peer address, unless the peer is a trusted proxy. In
// that case X-Forwarded-For is walked from the right and the first hop that
// is not itself a trusted proxy wins.
func clientAddress(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !isTrusted(peer.Unmap(), trusted) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			return host
		}
		if !isTrusted(addr.Unmap(), trusted) {
			return addr.Unmap().String()
		}
	}
	return host
}

// idempotent wraps a mutating handler with Idempotency-Key handling. The
// first request with a key runs; repeats with the same body get the stored
// response and repeats with a different body are refused. Server errors
// release the key so the client can try again.
func (s *HTTPServer) idempotent(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if clientKey == "" {
			next(w, r)
			return
		}
		if len(clientKey) > 255 {
			writeError(w, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", "Idempotency-Key is too long", nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "INVALID_BODY", "Request body too large", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		actor := sessionFrom(r)
		key := idempotency.Scope(actor.UserID, operation, clientKey)
		fingerprint := requestFingerprint(r, body)
		ttl := s.service.cfg.IdempotencyTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		store := s.service.idempotency

		existing, reserved, err := store.Reserve(r.Context(), key, idempotency.Record{Fingerprint: fingerprint}, ttl)
		if err != nil {
			s.logger.Error("idempotency reserve failed", zap.String("operation", operation), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, CodeUpstreamFailure, "Idempotency store unavailable", nil)
			return
		}
		replay, err := idempotency.Check(existing, reserved, fingerprint)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if replay != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(replay.StatusCode)
			_, _ = w.Write(replay.Body)
			return
		}

		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next(capture, r.WithContext(idempotency.WithKey(r.Context(), clientKey)))

		ctx := r.Context()
		if capture.status >= http.StatusInternalServerError {
			if err := store.Release(ctx, key); err != nil {
				s.logger.Warn("idempotency release failed", zap.String("operation", operation), zap.Error(err))
			}
			return
		}
		if err := store.Complete(ctx, key, idempotency.Record{
			Fingerprint: fingerprint,
			StatusCode:  capture.status,
			Body:        bytes.TrimSpace(capture.body.Bytes()),
		}, ttl); err != nil {
			s.logger.Warn("idempotency record not saved", zap.String("operation", operation), zap.Error(err))
		}
	}
}

func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// captureWriter tees the response so it can be stored for replay.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.status = status
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
