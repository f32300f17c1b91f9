package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NewRateLimitHandler limits each client address to rps requests per second
// with the given burst. Rejected requests get 429 with a Retry-After hint.
// Buckets idle for longer than idle are dropped. rps <= 0 disables limiting.
func NewRateLimitHandler(next http.Handler, rps int64, burst int64, idle time.Duration) http.Handler {
	if rps <= 0 {
		return next
	}
	buckets := newClientBuckets(float64(rps), int(burst), idle)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wait, ok := buckets.take(clientIP(r), time.Now()); !ok {
			rateLimited.Add(r.URL.Path, 1)
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type clientBuckets struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	*rate.Limiter
	lastSeen time.Time
}

func newClientBuckets(rps float64, burst int, idle time.Duration) *clientBuckets {
	if burst <= 0 {
		burst = max(int(rps), 1)
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &clientBuckets{
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    idle,
		clients: make(map[string]*clientBucket),
	}
}

// take consumes a token for client. When none is left it reports how long
// until the next one.
func (b *clientBuckets) take(client string, now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastSweep) >= b.idle {
		b.sweep(now)
	}
	bucket, ok := b.clients[client]
	if !ok {
		bucket = &clientBucket{Limiter: rate.NewLimiter(b.limit, b.burst)}
		b.clients[client] = bucket
	}
	bucket.lastSeen = now
	if bucket.AllowN(now, 1) {
		return 0, true
	}
	return time.Duration(float64(time.Second) / float64(b.limit)), false
}

func (b *clientBuckets) sweep(now time.Time) {
	for client, bucket := range b.clients {
		if now.Sub(bucket.lastSeen) > b.idle {
			delete(b.clients, client)
		}
	}
	b.lastSweep = now
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-Ip, then the
// connection address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
