package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestDebugHandlerHealth tests the health endpoint of the debug server
func TestDebugHandlerHealth(t *testing.T) {
	ts := httptest.NewServer(DebugHandler(DefaultDebugConfig()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

// TestDebugHandlerBasicAuth tests that credentials are enforced when set
func TestDebugHandlerBasicAuth(t *testing.T) {
	cfg := DefaultDebugConfig()
	cfg.BasicAuthUser = "ops"
	cfg.BasicAuthPass = "secret"
	ts := httptest.NewServer(DebugHandler(cfg))
	defer ts.Close()

	tests := []struct {
		name       string
		user, pass string
		wantStatus int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "ops", "nope", http.StatusUnauthorized},
		{"valid", "ops", "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:7070", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
	}

	for _, tt := range tests {
		if got := isLoopback(tt.addr); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
