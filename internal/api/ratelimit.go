package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"entity-sync/internal/observability"
)

// RequestLimit is a token bucket kept per client address and route class.
type RequestLimit struct {
	PerSecond float64       // Tokens refilled per second
	Burst     int           // Bucket size
	IdleAfter time.Duration // Buckets unused this long are dropped
}

// DefaultRequestLimit suits a dashboard polling a few endpoints.
var DefaultRequestLimit = RequestLimit{
	PerSecond: 10,
	Burst:     20,
	IdleAfter: 10 * time.Minute,
}

// Route classes. Each class has its own bucket per client, so a tab polling
// the ledger cannot starve health checks or socket upgrades.
const (
	classHealth = "health"
	classLedger = "ledger"
	classMap    = "map"
	classSocket = "socket"

	// mapCost is what one map render spends; rendering walks the whole ledger.
	mapCost = 5
)

type bucketKey struct {
	client string
	class  string
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RequestLimiter throttles HTTP requests per client and route class.
type RequestLimiter struct {
	cfg RequestLimit

	mu       sync.Mutex
	buckets  map[bucketKey]*bucket
	swept    time.Time
	allowed  map[string]uint64
	rejected map[string]uint64
}

// NewRequestLimiter creates a limiter. It runs no goroutines; idle buckets
// are swept on the request path.
func NewRequestLimiter(cfg RequestLimit) *RequestLimiter {
	return &RequestLimiter{
		cfg:      cfg,
		buckets:  make(map[bucketKey]*bucket),
		swept:    time.Now(),
		allowed:  make(map[string]uint64),
		rejected: make(map[string]uint64),
	}
}

// Allow spends cost tokens from the client's bucket for class.
func (l *RequestLimiter) Allow(client, class string, cost int) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.IdleAfter > 0 && now.Sub(l.swept) > l.cfg.IdleAfter {
		l.sweep(now)
	}

	k := bucketKey{client: client, class: class}
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.buckets[k] = b
	}
	b.seen = now
	if b.lim.AllowN(now, cost) {
		l.allowed[class]++
		return true
	}
	l.rejected[class]++
	return false
}

func (l *RequestLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.cfg.IdleAfter {
			delete(l.buckets, k)
		}
	}
	l.swept = now
}

// Limit returns middleware charging cost tokens of class per request.
func (l *RequestLimiter) Limit(class string, cost int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientIP(r), class, cost) {
				observability.RecordConnectionRejected("rate_limit")
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Stats reports live buckets and per-class counters.
func (l *RequestLimiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	clients := make(map[string]struct{})
	for k := range l.buckets {
		clients[k.client] = struct{}{}
	}
	classes := make(map[string]map[string]uint64)
	for class, n := range l.allowed {
		classes[class] = map[string]uint64{"allowed": n, "rejected": l.rejected[class]}
	}
	for class, n := range l.rejected {
		if _, ok := classes[class]; !ok {
			classes[class] = map[string]uint64{"allowed": 0, "rejected": n}
		}
	}
	return map[string]any{
		"clients": len(clients),
		"buckets": len(l.buckets),
		"classes": classes,
	}
}

// clientIP is the host part of RemoteAddr. Behind a trusted proxy the router
// runs chi's RealIP first, which rewrites RemoteAddr from the forwarding
// headers.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// socketGate caps concurrent peer sockets per client address.
type socketGate struct {
	max int

	mu       sync.Mutex
	open     map[string]int
	rejected uint64
}

func newSocketGate(max int) *socketGate {
	return &socketGate{max: max, open: make(map[string]int)}
}

func (g *socketGate) acquire(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open[ip] >= g.max {
		g.rejected++
		return false
	}
	g.open[ip]++
	return true
}

func (g *socketGate) release(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open[ip] <= 1 {
		delete(g.open, ip)
		return
	}
	g.open[ip]--
}

func (g *socketGate) stats() map[string]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]uint64{
		"clients":  uint64(len(g.open)),
		"rejected": g.rejected,
	}
}

// AllowedOrigins lists browser origins allowed to open a peer websocket.
// Native peers send no Origin header and are always allowed.
var AllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
}

// IsAllowedOrigin checks an Origin header against AllowedOrigins, ignoring
// the port.
func IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range AllowedOrigins {
		if origin == allowed || strings.HasPrefix(origin, allowed+":") {
			return true
		}
	}
	return false
}
