// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for mesh, peer and relay settings.
//
// IMPORTANT: When changing values, only modify this file.
// All other parts of the codebase should reference these values.
package config

import (
	"os"
	"strconv"
	"time"
)

// =============================================================================
// MESH CONFIGURATION
// =============================================================================

// MeshConfig holds the distance thresholds every peer must agree on.
type MeshConfig struct {
	AuthorityRadius        float32 // Beyond this camera distance an entity is released
	TransferRadius         float32 // Global entities are handed to a peer this close
	RequestAuthorityRadius int32   // Ownerless entities this close are claimed
	InterestRequestRadius  int32   // Peers send diffs for entities this close to us
}

// DefaultMesh returns the default mesh configuration.
func DefaultMesh() MeshConfig {
	return MeshConfig{
		AuthorityRadius:        600,
		TransferRadius:         500,
		RequestAuthorityRadius: 400,
		InterestRequestRadius:  900,
	}
}

// MeshFromEnv returns mesh configuration with environment variable overrides.
func MeshFromEnv() MeshConfig {
	cfg := DefaultMesh()

	if r := getEnvFloat("AUTHORITY_RADIUS", 0); r > 0 {
		cfg.AuthorityRadius = float32(r)
	}
	if r := getEnvFloat("TRANSFER_RADIUS", 0); r > 0 {
		cfg.TransferRadius = float32(r)
	}
	if r := getEnvInt("REQUEST_AUTHORITY_RADIUS", 0); r > 0 {
		cfg.RequestAuthorityRadius = int32(r)
	}
	if r := getEnvInt("INTEREST_REQUEST_RADIUS", 0); r > 0 {
		cfg.InterestRequestRadius = int32(r)
	}

	return cfg
}

// =============================================================================
// SESSION CONFIGURATION
// =============================================================================

// SessionConfig holds the peer tick driver settings.
type SessionConfig struct {
	PeerID                uint64 // 0 picks a random id at startup
	RelayURL              string // ws:// URL of the relay
	TickRate              int    // Simulation ticks per second
	ResyncEvery           int    // Ticks between full re-inits of every diff stream
	PositionsEvery        int    // Ticks between UpdatePositions reports
	AuthorityRequestEvery int    // Ticks between RequestAuthority/InterestRequest
	ReconnectDelay        time.Duration
}

// DefaultSession returns the default session configuration.
func DefaultSession() SessionConfig {
	return SessionConfig{
		RelayURL:              "ws://localhost:3000/ws",
		TickRate:              60,
		ResyncEvery:           600, // 10s at 60 ticks
		PositionsEvery:        30,
		AuthorityRequestEvery: 60,
		ReconnectDelay:        500 * time.Millisecond,
	}
}

// SessionFromEnv returns session configuration with environment variable overrides.
func SessionFromEnv() SessionConfig {
	cfg := DefaultSession()

	if v := os.Getenv("PEER_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.PeerID = id
		}
	}
	if u := os.Getenv("RELAY_URL"); u != "" {
		cfg.RelayURL = u
	}
	if tr := getEnvInt("TICK_RATE", 0); tr > 0 {
		cfg.TickRate = tr
	}
	if n := getEnvInt("RESYNC_EVERY", 0); n > 0 {
		cfg.ResyncEvery = n
	}
	if n := getEnvInt("POSITIONS_EVERY", 0); n > 0 {
		cfg.PositionsEvery = n
	}
	if n := getEnvInt("AUTHORITY_REQUEST_EVERY", 0); n > 0 {
		cfg.AuthorityRequestEvery = n
	}

	return cfg
}

// =============================================================================
// RELAY CONFIGURATION
// =============================================================================

// RelayConfig holds relay HTTP/websocket settings.
type RelayConfig struct {
	Port               int
	MaxPeers           int
	PeerMessagesPerSec float64 // Per-peer inbound frame limit
	PeerMessageBurst   int
	AuthorityLogPath   string // Empty disables the authority audit log
	TrustProxy         bool   // Take client addresses from forwarding headers
}

// DefaultRelay returns the default relay configuration.
func DefaultRelay() RelayConfig {
	return RelayConfig{
		Port:               3000,
		MaxPeers:           64,
		PeerMessagesPerSec: 240, // a few frames per tick at 60 ticks
		PeerMessageBurst:   480,
	}
}

// RelayFromEnv returns relay configuration with environment variable overrides.
func RelayFromEnv() RelayConfig {
	cfg := DefaultRelay()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if mp := getEnvInt("MAX_PEERS", 0); mp > 0 {
		cfg.MaxPeers = mp
	}
	if r := getEnvFloat("PEER_MESSAGES_PER_SEC", 0); r > 0 {
		cfg.PeerMessagesPerSec = r
	}
	if b := getEnvInt("PEER_MESSAGE_BURST", 0); b > 0 {
		cfg.PeerMessageBurst = b
	}
	cfg.AuthorityLogPath = os.Getenv("AUTHORITY_LOG_PATH")
	cfg.TrustProxy = os.Getenv("TRUST_PROXY") == "true"

	return cfg
}

// =============================================================================
// WIRE CONFIGURATION
// =============================================================================

// WireConfig holds framing limits.
type WireConfig struct {
	CompressThreshold int // Bodies larger than this are lz4 compressed
	MaxMessageSize    int // Hard cap on a decoded body
}

// DefaultWire returns the default wire configuration.
func DefaultWire() WireConfig {
	return WireConfig{
		CompressThreshold: 1024,
		MaxMessageSize:    1024 * 1024, // 1MB max message
	}
}

// WireFromEnv returns wire configuration with environment variable overrides.
func WireFromEnv() WireConfig {
	cfg := DefaultWire()

	if t := getEnvInt("COMPRESS_THRESHOLD", -1); t >= 0 {
		cfg.CompressThreshold = t
	}
	if m := getEnvInt("MAX_MESSAGE_SIZE", 0); m > 0 {
		cfg.MaxMessageSize = m
	}

	return cfg
}

// =============================================================================
// SPATIAL CONFIGURATION
// =============================================================================

// SpatialConfig holds the relay's spatial index settings.
type SpatialConfig struct {
	MinX, MinY    float64 // World origin of the grid
	Width, Height float64 // World extent covered by the grid
	CellSize      float64 // Should match the largest query radius
}

// DefaultSpatial returns the default spatial configuration.
func DefaultSpatial() SpatialConfig {
	return SpatialConfig{
		MinX:     -32768,
		MinY:     -32768,
		Width:    65536,
		Height:   65536,
		CellSize: 512,
	}
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Mesh    MeshConfig
	Session SessionConfig
	Relay   RelayConfig
	Wire    WireConfig
	Spatial SpatialConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Mesh:    MeshFromEnv(),
		Session: SessionFromEnv(),
		Relay:   RelayFromEnv(),
		Wire:    WireFromEnv(),
		Spatial: DefaultSpatial(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
