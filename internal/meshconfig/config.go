// Package meshconfig loads and persists the mesh node's configuration:
// canonically JSON at <config_root>/config.json, with YAML accepted for
// hand-maintained files. Permission-checked, versioned load style.
package meshconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is the latest configuration schema version.
const CurrentConfigVersion = 1

// Config is the top-level mesh node configuration.
type Config struct {
	Version    int              `yaml:"version,omitempty" json:"version,omitempty"`
	Identity   IdentityConfig   `yaml:"identity" json:"identity"`
	Mesh       MeshConfig       `yaml:"mesh" json:"mesh"`
	Transports TransportsConfig `yaml:"transports" json:"transports"`
	Limits     LimitsConfig     `yaml:"limits" json:"limits"`
	Telemetry  TelemetryConfig  `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
	ControlAPI ControlAPIConfig `yaml:"control_api,omitempty" json:"control_api,omitempty"`
}

// IdentityConfig points at the node's Ed25519 keypair file.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file" json:"key_file"`
}

// MeshConfig identifies which mesh this node belongs to and its role.
type MeshConfig struct {
	MeshID            string `yaml:"mesh_id" json:"mesh_id"`
	Role               string `yaml:"role" json:"role"` // "founder" | "member"
	GossipIntervalSec int    `yaml:"gossip_interval_sec,omitempty" json:"gossip_interval_sec,omitempty"`
}

// TransportsConfig enables/configures each of the five transport classes.
type TransportsConfig struct {
	LAN       LANTransportConfig       `yaml:"lan,omitempty" json:"lan,omitempty"`
	P2PDirect P2PDirectTransportConfig `yaml:"p2p_direct,omitempty" json:"p2p_direct,omitempty"`
	BLEMesh   BLEMeshTransportConfig   `yaml:"ble_mesh,omitempty" json:"ble_mesh,omitempty"`
	SmartHome SmartHomeTransportConfig `yaml:"smart_home,omitempty" json:"smart_home,omitempty"`
	Relay     RelayTransportConfig     `yaml:"relay" json:"relay"`
}

type LANTransportConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	ListenAddresses  []string `yaml:"listen_addresses,omitempty" json:"listen_addresses,omitempty"`
	MDNSServiceName string   `yaml:"mdns_service_name,omitempty" json:"mdns_service_name,omitempty"`
}

type P2PDirectTransportConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	MDNSServiceName string `yaml:"mdns_service_name,omitempty" json:"mdns_service_name,omitempty"`
}

type BLEMeshTransportConfig struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	MaxHops     int  `yaml:"max_hops,omitempty" json:"max_hops,omitempty"`     // default 3
	TTLSeconds  int  `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`  // default 5
}

type SmartHomeTransportConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	BridgeAddr string `yaml:"bridge_addr,omitempty" json:"bridge_addr,omitempty"`
}

type RelayTransportConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
}

// LimitsConfig holds the mesh's operational constants; zero values fall
// back to the fixed defaults.
type LimitsConfig struct {
	GradientTableMax   int `yaml:"gradient_table_max,omitempty" json:"gradient_table_max,omitempty"`
	AnnounceIntervalSec int `yaml:"announce_interval_sec,omitempty" json:"announce_interval_sec,omitempty"`
	ExpireSec          int `yaml:"expire_sec,omitempty" json:"expire_sec,omitempty"`
	Fanout             int `yaml:"fanout,omitempty" json:"fanout,omitempty"`
	NonceCacheSec      int `yaml:"nonce_cache_sec,omitempty" json:"nonce_cache_sec,omitempty"`
	TimestampSkewSec   int `yaml:"timestamp_skew_sec,omitempty" json:"timestamp_skew_sec,omitempty"`
}

// TelemetryConfig controls Prometheus metrics exposure, disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty" json:"listen_address,omitempty"`
}

// ControlAPIConfig configures the local Unix-socket control API.
type ControlAPIConfig struct {
	SocketPath string `yaml:"socket_path,omitempty" json:"socket_path,omitempty"`
}

// Default returns a Config with the fixed mesh defaults filled in.
func Default() Config {
	return Config{
		Version: CurrentConfigVersion,
		Mesh: MeshConfig{
			Role:              "member",
			GossipIntervalSec: 30,
		},
		Transports: TransportsConfig{
			LAN:       LANTransportConfig{Enabled: true, MDNSServiceName: "_meshnode._udp"},
			P2PDirect: P2PDirectTransportConfig{Enabled: true, MDNSServiceName: "_meshnode-direct._udp"},
			BLEMesh:   BLEMeshTransportConfig{Enabled: false, MaxHops: 3, TTLSeconds: 5},
			SmartHome: SmartHomeTransportConfig{Enabled: false},
		},
		Limits: LimitsConfig{
			GradientTableMax:    1000,
			AnnounceIntervalSec: 30,
			ExpireSec:           300,
			Fanout:              3,
			NonceCacheSec:       300,
			TimestampSkewSec:    300,
		},
	}
}

// checkConfigFilePermissions rejects group/world-readable config files.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("meshconfig: file %s has overly permissive mode %04o; expected 0600", path, mode)
	}
	return nil
}

// Load reads and parses a config file, filling in version defaults. The
// canonical on-disk format is JSON at <config_root>/config.json; YAML is
// accepted too since the parser handles both.
func Load(path string) (Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("meshconfig: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("meshconfig: parse %s: %w", path, err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return Config{}, fmt.Errorf("meshconfig: version %d is newer than supported version %d", cfg.Version, CurrentConfigVersion)
	}
	if cfg.Mesh.GossipIntervalSec == 0 {
		cfg.Mesh.GossipIntervalSec = 30
	}
	return cfg, nil
}

// Save writes cfg to path atomically via temp file + rename, 0600
// permissions. JSON for .json paths (the canonical config.json), YAML
// otherwise.
func Save(path string, cfg Config) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("meshconfig: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("meshconfig: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("meshconfig: rename temp file: %w", err)
	}
	return nil
}

// GossipInterval returns the mesh's announce cadence as a time.Duration.
func (c Config) GossipInterval() time.Duration {
	return time.Duration(c.Mesh.GossipIntervalSec) * time.Second
}
