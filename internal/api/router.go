// Package api is the relay's HTTP surface: read-only views of the authority
// ledger and connected peers, the wire schema, a debug map and the peer
// websocket endpoint.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"entity-sync/internal/observability"
	"entity-sync/internal/relay"
)

// LedgerView is the part of the authority ledger the API reads.
type LedgerView interface {
	Entities() []relay.EntityView
}

// PeerDirectory lists connected peers.
type PeerDirectory interface {
	Peers() []relay.PeerView
}

// SocketStats reports peer socket counters.
type SocketStats interface {
	Stats() map[string]uint64
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Ledger: registry,
//	    Peers:  hub,
//	    Limit: &api.RequestLimit{
//	        PerSecond: 1000, // High limit for tests
//	        Burst:     1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Ledger is the authority ledger (required)
	Ledger LedgerView

	// Peers is the connected peer table (required)
	Peers PeerDirectory

	// Audit is the optional authority log, reported in /api/stats
	Audit *relay.AuthorityLog

	// Sockets is the optional peer websocket endpoint, reported in /api/stats
	Sockets SocketStats

	// Limiter is an optional pre-configured request limiter, shared with
	// routes added after NewRouter. If nil, one is created from Limit.
	Limiter *RequestLimiter

	// Limit configures the request limiter when Limiter is nil. If both are
	// nil, DefaultRequestLimit is used.
	Limit *RequestLimit

	// TrustProxy takes client addresses from X-Forwarded-For/X-Real-IP.
	TrustProxy bool

	// CORSOrigins is an optional list of allowed CORS origins.
	// If nil, local origins are allowed.
	CORSOrigins []string

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

type routerHandlers struct {
	ledger  LedgerView
	peers   PeerDirectory
	audit   *relay.AuthorityLog
	sockets SocketStats
	limiter *RequestLimiter
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// It starts no listeners and no goroutines.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	limiter := cfg.Limiter
	if limiter == nil {
		limit := DefaultRequestLimit
		if cfg.Limit != nil {
			limit = *cfg.Limit
		}
		limiter = NewRequestLimiter(limit)
	}

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	h := &routerHandlers{
		ledger:  cfg.Ledger,
		peers:   cfg.Peers,
		audit:   cfg.Audit,
		sockets: cfg.Sockets,
		limiter: limiter,
	}

	r.With(limiter.Limit(classHealth, 1)).Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.Limit(classLedger, 1))
		r.Get("/entities", h.handleGetEntities)
		r.Get("/entities/{gid}", h.handleGetEntity)
		r.Get("/peers", h.handleGetPeers)
		r.Get("/stats", h.handleGetStats)
		r.Get("/schema", h.handleGetSchema)
	})

	r.With(limiter.Limit(classMap, mapCost)).Get("/debug/map.png", h.handleMap)

	return r
}

// metricsMiddleware records latency by route pattern, never by raw path.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RecordRequest(r.Method, pattern, status, time.Since(start))
	})
}
