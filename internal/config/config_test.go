package config

import "testing"

func TestDefaultsMatchMeshConstants(t *testing.T) {
	m := DefaultMesh()
	if m.AuthorityRadius != 600 || m.TransferRadius != 500 {
		t.Errorf("unexpected radii: %+v", m)
	}
	if m.RequestAuthorityRadius != 400 || m.InterestRequestRadius != 900 {
		t.Errorf("unexpected request radii: %+v", m)
	}
}

func TestSessionFromEnv(t *testing.T) {
	t.Setenv("PEER_ID", "77")
	t.Setenv("TICK_RATE", "30")
	t.Setenv("RESYNC_EVERY", "not-a-number")

	cfg := SessionFromEnv()
	if cfg.PeerID != 77 {
		t.Errorf("Expected peer id 77, got %d", cfg.PeerID)
	}
	if cfg.TickRate != 30 {
		t.Errorf("Expected tick rate 30, got %d", cfg.TickRate)
	}
	if cfg.ResyncEvery != DefaultSession().ResyncEvery {
		t.Errorf("invalid override should keep the default, got %d", cfg.ResyncEvery)
	}
}

func TestWireFromEnvAllowsZeroThreshold(t *testing.T) {
	t.Setenv("COMPRESS_THRESHOLD", "0")
	if got := WireFromEnv().CompressThreshold; got != 0 {
		t.Errorf("Expected threshold 0, got %d", got)
	}
}

func TestRelayFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("AUTHORITY_LOG_PATH", "/tmp/authority.jsonl")

	cfg := RelayFromEnv()
	if cfg.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Port)
	}
	if cfg.AuthorityLogPath != "/tmp/authority.jsonl" {
		t.Errorf("unexpected log path %q", cfg.AuthorityLogPath)
	}
	if cfg.MaxPeers != 64 {
		t.Errorf("Expected default max peers 64, got %d", cfg.MaxPeers)
	}
}
