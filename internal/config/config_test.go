package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spagate/spagate/internal/config"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := config.DefaultServerConfig()
	if cfg.Server.UDPPort != 62201 {
		t.Errorf("UDPPort = %d, want 62201", cfg.Server.UDPPort)
	}
	if !cfg.Server.EnableDigestPersistence || !cfg.Server.EnableSPAPacketAging {
		t.Error("replay and aging defences should default on")
	}
	if !cfg.Server.DisableSDPMode {
		t.Error("identifier mode should default off")
	}
	if cfg.Server.MaxSPAPacketAge.Duration != 120*time.Second {
		t.Errorf("MaxSPAPacketAge = %v, want 120s", cfg.Server.MaxSPAPacketAge)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadServerConfig(t *testing.T) {
	content := `
server:
  udp_port: 9999
  collector: udp
  firewall: iptables
  access_file: /tmp/access.toml
  digest_file: /tmp/digests.db
  enable_spa_over_http: true
  disable_sdp_mode: false
  max_spa_packet_age: 2m
  select_timeout: 250ms
services:
  - id: 5
    name: ssh
    proto: tcp
    port: 22
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error = %v", err)
	}
	if cfg.Server.UDPPort != 9999 {
		t.Errorf("UDPPort = %d, want 9999", cfg.Server.UDPPort)
	}
	if !cfg.Server.EnableSPAOverHTTP {
		t.Error("enable_spa_over_http not honored")
	}
	if cfg.Server.DisableSDPMode {
		t.Error("disable_sdp_mode: false not honored")
	}
	if cfg.Server.MaxSPAPacketAge.Duration != 2*time.Minute {
		t.Errorf("MaxSPAPacketAge = %v, want 2m", cfg.Server.MaxSPAPacketAge)
	}
	if cfg.Server.SelectTimeout.Duration != 250*time.Millisecond {
		t.Errorf("SelectTimeout = %v, want 250ms", cfg.Server.SelectTimeout)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].ID != 5 || cfg.Services[0].Port != 22 {
		t.Errorf("Services = %+v", cfg.Services)
	}
	// Unspecified flags keep their defaults.
	if !cfg.Server.AllowLegacyAccessRequests {
		t.Error("allow_legacy_access_requests default lost on load")
	}
}

func TestLoadServerConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad collector", "server:\n  collector: tcp\n  access_file: /a\n  digest_file: /d\n"},
		{"pcap without iface", "server:\n  collector: pcap\n  access_file: /a\n  digest_file: /d\n"},
		{"bad yaml", "server: [not a map"},
		{"bad duration", "server:\n  select_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := config.LoadServerConfig(path); err == nil {
				t.Error("LoadServerConfig accepted an invalid config")
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := config.DefaultServerConfig()
	cfg.Server.UDPPort = 7777

	if err := config.SaveServerConfig(path, cfg); err != nil {
		t.Fatalf("SaveServerConfig error = %v", err)
	}
	got, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error = %v", err)
	}
	if got.Server.UDPPort != 7777 {
		t.Errorf("UDPPort = %d after round trip, want 7777", got.Server.UDPPort)
	}
}
