package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COLLAB_ENABLED", "")
	t.Setenv("COLLAB_SESSION_TTL_MS", "")
	t.Setenv("COLLAB_WS_PATH", "")
	t.Setenv("COLLAB_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg := Load()
	if !cfg.Collaboration.Enabled {
		t.Fatalf("expected collaboration enabled by default")
	}
	if cfg.Collaboration.SessionTTL != 2*time.Minute {
		t.Fatalf("SessionTTL = %v, want 2m", cfg.Collaboration.SessionTTL)
	}
	if cfg.Collaboration.WSPath != "/collab/ws" {
		t.Fatalf("WSPath = %q", cfg.Collaboration.WSPath)
	}
	if cfg.Collaboration.StaleRoomThreshold != time.Hour || cfg.Collaboration.SweepInterval != 15*time.Minute {
		t.Fatalf("unexpected reaper defaults: %+v", cfg.Collaboration)
	}
	if len(cfg.Collaboration.AllowedOrigins) != 2 || cfg.Collaboration.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.Collaboration.AllowedOrigins)
	}
}

func TestLoadInvalidBoolFallsBack(t *testing.T) {
	t.Setenv("COLLAB_ENABLED", "sometimes")
	if !Load().Collaboration.Enabled {
		t.Fatalf("expected fallback to enabled")
	}
	t.Setenv("COLLAB_ENABLED", "false")
	if Load().Collaboration.Enabled {
		t.Fatalf("expected collaboration disabled")
	}
}

func TestOverlayOnlyTouchesSetKeys(t *testing.T) {
	base := Load()
	base.Addr = ":9000"

	cfg, err := Overlay(base, []byte(`
collaboration:
  enabled: false
  sessionTTL: 30000
  wsPath: realtime
  allowedOrigins:
    - https://cms.example
`))
	if err != nil {
		t.Fatalf("Overlay() error = %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q, want unchanged", cfg.Addr)
	}
	if cfg.Collaboration.Enabled {
		t.Fatalf("expected enabled=false from file")
	}
	if cfg.Collaboration.SessionTTL != 30*time.Second {
		t.Fatalf("SessionTTL = %v", cfg.Collaboration.SessionTTL)
	}
	if cfg.Collaboration.WSPath != "/realtime" {
		t.Fatalf("WSPath = %q, want /realtime", cfg.Collaboration.WSPath)
	}
	if len(cfg.Collaboration.AllowedOrigins) != 1 {
		t.Fatalf("AllowedOrigins = %v", cfg.Collaboration.AllowedOrigins)
	}
	if cfg.Collaboration.StaleRoomThreshold != base.Collaboration.StaleRoomThreshold {
		t.Fatalf("StaleRoomThreshold changed unexpectedly")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(Load(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("collaboration: [unterminated"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadFile(Load(), path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadNonPositiveDurationsFallBack(t *testing.T) {
	for _, value := range []string{"0", "-5", "soon"} {
		t.Setenv("COLLAB_SESSION_TTL_MS", value)
		t.Setenv("COLLAB_STALE_ROOM_MS", value)
		t.Setenv("COLLAB_SWEEP_INTERVAL_MS", value)

		collab := Load().Collaboration
		if collab.SessionTTL != 2*time.Minute || collab.StaleRoomThreshold != time.Hour || collab.SweepInterval != 15*time.Minute {
			t.Fatalf("value %q: got ttl=%v stale=%v sweep=%v, want defaults", value, collab.SessionTTL, collab.StaleRoomThreshold, collab.SweepInterval)
		}
	}
}

func TestOverlayRejectsNonPositiveDurations(t *testing.T) {
	cases := []string{
		"collaboration:\n  sessionTTL: 0\n",
		"collaboration:\n  staleRoomThreshold: -1\n",
		"collaboration:\n  sweepInterval: 0\n",
	}
	base := Load()
	for _, contents := range cases {
		if _, err := Overlay(base, []byte(contents)); err == nil {
			t.Fatalf("Overlay(%q) succeeded, want error", contents)
		}
	}
}
