package app

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threadmod/api/internal/metrics"
)

const limiterIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client address. Buckets idle for
// longer than limiterIdle are swept on the next request.
type ipLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	every     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &ipLimiter{
		visitors: make(map[string]*visitor),
		every:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      time.Now,
	}
}

func (l *ipLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > limiterIdle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.every, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// limit rejects requests over the per-client budget with 429.
func (l *ipLimiter) limit(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientIP(r)) {
				metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(1/float64(l.every)))))
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP reads the address chi's RealIP middleware left in RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
