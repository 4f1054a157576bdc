package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"entity-sync/internal/config"
	"entity-sync/internal/relay"
)

// Server is the relay HTTP server: the read-only API plus the peer websocket.
type Server struct {
	hub     *relay.Hub
	router  *chi.Mux
	peers   *PeerEndpoint
	limiter *RequestLimiter
	http    *http.Server
}

// NewServer creates the relay server. Nothing listens until Start.
func NewServer(hub *relay.Hub, audit *relay.AuthorityLog, cfg config.RelayConfig) *Server {
	s := &Server{
		hub:     hub,
		peers:   NewPeerEndpoint(hub, cfg.MaxPeers),
		limiter: NewRequestLimiter(DefaultRequestLimit),
	}

	s.router = NewRouter(RouterConfig{
		Ledger:     hub.Registry(),
		Peers:      hub,
		Audit:      audit,
		Sockets:    s.peers,
		Limiter:    s.limiter,
		TrustProxy: cfg.TrustProxy,
	})

	// Only the upgrade request is limited here; frames are throttled per
	// peer by the hub.
	s.router.With(s.limiter.Limit(classSocket, 1)).Get("/ws", s.peers.ServeHTTP)

	return s
}

// Start listens on addr until Stop.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("🌐 Relay listening on %s", addr)
	log.Printf("   - peers:   ws://localhost%s/ws", addr)
	log.Printf("   - ledger:  http://localhost%s/api/entities", addr)

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
