package meshconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"mesh": {"mesh_id": "m1", "role": "member"}}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mesh.MeshID != "m1" {
		t.Fatalf("mesh id not loaded: %q", cfg.Mesh.MeshID)
	}
	if cfg.Mesh.GossipIntervalSec != 30 {
		t.Fatalf("gossip interval default not applied: %d", cfg.Mesh.GossipIntervalSec)
	}
	if cfg.Limits.Fanout != 3 || cfg.Limits.GradientTableMax != 1000 {
		t.Fatalf("limit defaults not applied: %+v", cfg.Limits)
	}
}

func TestSaveLoadJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Mesh.MeshID = "round-trip"
	cfg.Transports.Relay.Addresses = []string{"wss://relay.example/v1/relay"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Mesh.MeshID != "round-trip" {
		t.Fatalf("mesh id lost in round trip: %q", got.Mesh.MeshID)
	}
	if len(got.Transports.Relay.Addresses) != 1 {
		t.Fatalf("relay addresses lost: %+v", got.Transports.Relay)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"version": 99}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for config from a newer version")
	}
}

func TestLoadRejectsLooseFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for group/world-readable config")
	}
}
