package gateway

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operator auth failures allowed per client IP. The bucket holds
// authRateMaxFails failures and refills one every authRateWindow/authRateMaxFails.
const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000
)

// authRateLimiter throttles operator credential guessing per client IP. It is
// shared by the WebSocket handshake and the bearer-protected HTTP routes.
type authRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*failureBucket
	now     func() time.Time
}

type failureBucket struct {
	lim  *rate.Limiter
	last time.Time
}

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{
		buckets: make(map[string]*failureBucket),
		now:     time.Now,
	}
}

// allow reports whether remoteAddr may attempt to authenticate.
func (l *authRateLimiter) allow(remoteAddr string) bool {
	ip := clientIP(remoteAddr)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		return true
	}
	return b.lim.TokensAt(l.now()) >= 1
}

// recordFailure spends one attempt from remoteAddr's bucket.
func (l *authRateLimiter) recordFailure(remoteAddr string) {
	ip := clientIP(remoteAddr)
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= authRateMaxIPs {
			l.evict(now)
		}
		b = &failureBucket{lim: rate.NewLimiter(rate.Every(authRateWindow/authRateMaxFails), authRateMaxFails)}
		l.buckets[ip] = b
	}
	b.lim.AllowN(now, 1)
	b.last = now
}

// evict drops refilled buckets, then the least recently failing IP if the
// table is still full. Callers hold l.mu.
func (l *authRateLimiter) evict(now time.Time) {
	var oldestIP string
	var oldest time.Time
	for ip, b := range l.buckets {
		if b.lim.TokensAt(now) >= authRateMaxFails {
			delete(l.buckets, ip)
			continue
		}
		if oldestIP == "" || b.last.Before(oldest) {
			oldestIP, oldest = ip, b.last
		}
	}
	if len(l.buckets) >= authRateMaxIPs && oldestIP != "" {
		delete(l.buckets, oldestIP)
	}
}

func (l *authRateLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// clientIP strips the port from a RemoteAddr.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
