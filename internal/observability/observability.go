// Package observability holds the process metrics and the localhost debug
// server shared by the relay and peer binaries.
package observability

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-peer or per-gid labels)
var (
	// Session metrics
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_tick_duration_seconds",
		Help:    "Time spent in one session tick",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.016, 0.033},
	})

	trackedEntities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "session_tracked_entities",
		Help: "Entities tracked by the local model and mirrored by remote models",
	}, []string{"model"}) // Bounded: "local", "remote"

	entityErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_entity_errors_total",
		Help: "Entities dropped from sync after a per-entity failure",
	})

	updatesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_updates_sent_total",
		Help: "Entity update events sent to interested peers",
	})

	// Relay metrics
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Frames received by the relay",
	}, []string{"type"}) // Bounded: wire message type names

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Frames dropped by the relay",
	}, []string{"reason"}) // Bounded: "rate_limit", "backpressure", "decode"

	peersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_peers_connected",
		Help: "Currently connected peers",
	})

	ledgerEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ledger_entities",
		Help: "Entities known to the authority ledger",
	})

	authorityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_authority_events_total",
		Help: "Authority ledger changes",
	}, []string{"kind"}) // Bounded: "upload", "grant", "release", "transfer", "delete"

	authorityLogDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_authority_log_dropped_total",
		Help: "Audit records dropped due to rate limiting or buffer full",
	})

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_total_limit", "ws_ip_limit", "handshake"

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is path pattern, not full URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})
)

// DebugConfig configures the debug server
type DebugConfig struct {
	Enabled       bool
	ListenAddr    string // MUST be a loopback address in production
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DefaultDebugConfig returns safe defaults
func DefaultDebugConfig() DebugConfig {
	return DebugConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// DebugConfigFromEnv applies DEBUG_ADDR, DEBUG_USER, DEBUG_PASS and
// DISABLE_DEBUG_SERVER.
func DebugConfigFromEnv() DebugConfig {
	cfg := DefaultDebugConfig()
	if addr := os.Getenv("DEBUG_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.BasicAuthUser = os.Getenv("DEBUG_USER")
	cfg.BasicAuthPass = os.Getenv("DEBUG_PASS")
	cfg.Enabled = os.Getenv("DISABLE_DEBUG_SERVER") != "true"
	return cfg
}

// DebugHandler serves pprof, /metrics and /health.
func DebugHandler(cfg DebugConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

// StartDebugServer starts the internal observability server.
// It binds to localhost unless ALLOW_DEBUG_EXTERNAL=true.
func StartDebugServer(cfg DebugConfig) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}

	if !isLoopback(cfg.ListenAddr) && os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
		log.Println("⚠️ Debug server forced to localhost for security")
		cfg.ListenAddr = "127.0.0.1:6060"
	}

	handler := DebugHandler(cfg)
	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()

	return nil
}

func isLoopback(addr string) bool {
	for _, prefix := range []string{"127.0.0.1:", "localhost:", "[::1]:"} {
		if strings.HasPrefix(addr, prefix) {
			return true
		}
	}
	return false
}

// basicAuthMiddleware adds basic authentication to the handler
func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordTick records session tick timing
func RecordTick(duration time.Duration) {
	tickDuration.Observe(duration.Seconds())
}

// UpdateTracked updates the tracked entity gauges
func UpdateTracked(local, remote int) {
	trackedEntities.WithLabelValues("local").Set(float64(local))
	trackedEntities.WithLabelValues("remote").Set(float64(remote))
}

// RecordEntityErrors counts entities dropped after a failure
func RecordEntityErrors(n int) {
	entityErrors.Add(float64(n))
}

// RecordUpdatesSent counts diff events sent
func RecordUpdatesSent(n int) {
	updatesSent.Add(float64(n))
}

// RecordFrame counts a received frame by type name
func RecordFrame(msgType string) {
	framesTotal.WithLabelValues(msgType).Inc()
}

// RecordFrameDropped counts a dropped frame
// reason must be one of: "rate_limit", "backpressure", "decode"
func RecordFrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// UpdatePeerCount updates the connected peer gauge
func UpdatePeerCount(count int) {
	peersConnected.Set(float64(count))
}

// UpdateLedgerSize updates the ledger entity gauge
func UpdateLedgerSize(count int) {
	ledgerEntities.Set(float64(count))
}

// RecordAuthorityEvent counts a ledger change
func RecordAuthorityEvent(kind string) {
	authorityEvents.WithLabelValues(kind).Inc()
}

// RecordAuthorityLogDropped counts dropped audit records
func RecordAuthorityLogDropped() {
	authorityLogDropped.Inc()
}

// RecordConnectionRejected increments the rejection counter
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

// UpdateWSConnections updates WebSocket connection count
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}
