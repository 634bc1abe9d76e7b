package meshcore

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config collects everything a meshd process needs to construct its
// CertStore, Router, and timing policy. It is loaded from a YAML file
// with environment-variable overrides, the way the rest of the pack's
// koanf-based tools do.
type Config struct {
	CertPath    string `koanf:"cert_path"`
	KeyPath     string `koanf:"key_path"`
	CACertPath  string `koanf:"ca_cert_path"`
	AdapterID   string `koanf:"adapter_id"`
	DeviceName  string `koanf:"device_name"`
	ServiceUUID string `koanf:"service_uuid"`

	ForwardingTableTTL   time.Duration `koanf:"forwarding_table_ttl"`
	ReplayWindowSize     int           `koanf:"replay_window_size"`
	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval"`
	HeartbeatMissedLimit int           `koanf:"heartbeat_missed_limit"`
	AuthHandshakeTimeout time.Duration `koanf:"auth_handshake_timeout"`
	DefaultTTL           uint8         `koanf:"default_ttl"`
	ScanDuration         time.Duration `koanf:"scan_duration"`
}

// defaultConfig seeds every tunable with the values named in SPEC_FULL.md;
// LoadConfig layers a file and environment overrides on top of these.
func defaultConfig() Config {
	t := DefaultTimeouts()
	return Config{
		AdapterID: "hci0",
		// defaultServiceUUID mirrors internal/transport/ble.DefaultServiceUUID;
		// duplicated here rather than imported so the core never depends on
		// the transport collaborator package.
		ServiceUUID:          "B4E5A000-9C2D-4F3E-8A1B-6D7C2E9F3A01",
		ForwardingTableTTL:   t.ForwardingEntryTTL,
		ReplayWindowSize:     DefaultReplayWindowSize,
		HeartbeatInterval:    t.HeartbeatInterval,
		HeartbeatMissedLimit: t.HeartbeatMissedLimit,
		AuthHandshakeTimeout: t.AuthHandshake,
		DefaultTTL:           DefaultTTL,
		ScanDuration:         3 * time.Second,
	}
}

// LoadConfig reads path (YAML) and overlays any MESHCORE_-prefixed
// environment variables (e.g. MESHCORE_CERT_PATH maps to cert_path), on
// top of the built-in defaults.
func LoadConfig(path string) (cfg Config, err error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	defaultsMap := map[string]interface{}{
		"adapter_id":             defaults.AdapterID,
		"device_name":            defaults.DeviceName,
		"service_uuid":           defaults.ServiceUUID,
		"forwarding_table_ttl":   defaults.ForwardingTableTTL,
		"replay_window_size":     defaults.ReplayWindowSize,
		"heartbeat_interval":     defaults.HeartbeatInterval,
		"heartbeat_missed_limit": defaults.HeartbeatMissedLimit,
		"auth_handshake_timeout": defaults.AuthHandshakeTimeout,
		"default_ttl":            defaults.DefaultTTL,
		"scan_duration":          defaults.ScanDuration,
	}
	if err := k.Load(confmap.Provider(defaultsMap, "."), nil); err != nil {
		return cfg, fmt.Errorf("meshcore: loading config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("meshcore: loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("MESHCORE_", ".", envKeyMap), nil); err != nil {
		return cfg, fmt.Errorf("meshcore: loading config environment overrides: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("meshcore: unmarshaling config: %w", err)
	}

	if cfg.CertPath == "" || cfg.KeyPath == "" || cfg.CACertPath == "" {
		return cfg, fmt.Errorf("meshcore: cert_path, key_path, and ca_cert_path are required")
	}

	return cfg, nil
}

func envKeyMap(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s[len("MESHCORE_"):] {
		if r == '_' {
			out = append(out, '_')
		} else {
			out = append(out, byte(r|0x20))
		}
	}
	return string(out)
}
