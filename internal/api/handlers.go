package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"entity-sync/internal/des"
	"entity-sync/internal/wire"
)

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *routerHandlers) handleGetEntities(w http.ResponseWriter, r *http.Request) {
	entities := h.ledger.Entities()

	// ?owner=<peer> or ?owner=none
	if owner := r.URL.Query().Get("owner"); owner != "" {
		filtered := entities[:0]
		for _, e := range entities {
			if owner == "none" && e.Authority == nil {
				filtered = append(filtered, e)
			} else if e.Authority != nil && strconv.FormatUint(uint64(*e.Authority), 10) == owner {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}
	writeJSON(w, entities)
}

func (h *routerHandlers) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "gid")
	gid, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		writeError(w, "Invalid gid", http.StatusBadRequest)
		return
	}
	for _, e := range h.ledger.Entities() {
		if e.Gid == des.Gid(gid) {
			writeJSON(w, e)
			return
		}
	}
	writeError(w, "Entity not found", http.StatusNotFound)
}

func (h *routerHandlers) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.peers.Peers())
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	entities := h.ledger.Entities()
	ownerless := 0
	perPeer := make(map[string]int)
	for _, e := range entities {
		if e.Authority == nil {
			ownerless++
			continue
		}
		perPeer[strconv.FormatUint(uint64(*e.Authority), 10)]++
	}

	stats := map[string]interface{}{
		"peers":       len(h.peers.Peers()),
		"entities":    len(entities),
		"ownerless":   ownerless,
		"perPeer":     perPeer,
		"rateLimiter": h.limiter.Stats(),
	}
	if h.audit != nil {
		stats["authorityLog"] = h.audit.Stats()
	}
	if h.sockets != nil {
		stats["sockets"] = h.sockets.Stats()
	}
	writeJSON(w, stats)
}

func (h *routerHandlers) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, wire.Schema())
}

// Helper functions (package-level for reuse)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
