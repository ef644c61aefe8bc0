// Package config handles reading and writing the spagate server
// configuration in YAML format.
//
// Server config is stored at /etc/spagate/config.yaml (default). The access
// policy itself lives in a separate stanza file (see internal/access).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerSettings is the "server" section of the config file.
type ServerSettings struct {
	// UDPPort is the port the server listens on for SPA packets.
	UDPPort uint16 `yaml:"udp_port"`

	// Collector selects the capture mode: "udp" (bound socket) or "pcap".
	Collector string `yaml:"collector"`

	// PcapIface and PcapFilter configure the pcap collector. An empty
	// filter defaults to "udp dst port <udp_port>".
	PcapIface  string `yaml:"pcap_iface,omitempty"`
	PcapFilter string `yaml:"pcap_filter,omitempty"`

	// SelectTimeout is the receive-loop wakeup interval used for
	// housekeeping (rule expiry, command-cycle closes, signal checks).
	SelectTimeout Duration `yaml:"select_timeout"`

	// Firewall selects the firewall backend: "iptables" or "nft".
	Firewall string `yaml:"firewall"`

	// EnableFirewall allows turning off all firewall manipulation, e.g. on
	// hosts where only command cycles are used.
	EnableFirewall bool `yaml:"enable_firewall"`

	// AccessFile is the path to the stanza policy file.
	AccessFile string `yaml:"access_file"`

	// DigestFile is the path of the persistent replay digest database.
	DigestFile string `yaml:"digest_file"`

	// EnableSPAOverHTTP accepts SPA payloads wrapped in an HTTP GET line.
	EnableSPAOverHTTP bool `yaml:"enable_spa_over_http"`

	// DisableSDPMode selects the identity model: true scans stanzas by
	// source IP, false selects them by the client identifier prefix.
	DisableSDPMode bool `yaml:"disable_sdp_mode"`

	// EnableSPAPacketAging rejects packets whose timestamp is further than
	// MaxSPAPacketAge from the server clock.
	EnableSPAPacketAging bool     `yaml:"enable_spa_packet_aging"`
	MaxSPAPacketAge      Duration `yaml:"max_spa_packet_age"`

	// EnableDigestPersistence turns the replay store on.
	EnableDigestPersistence bool `yaml:"enable_digest_persistence"`

	// AllowLegacyAccessRequests permits pre-service access message types.
	AllowLegacyAccessRequests bool `yaml:"allow_legacy_access_requests"`

	// EnableForwarding and EnableLocalNAT gate the NAT message types.
	EnableForwarding bool `yaml:"enable_forwarding"`
	EnableLocalNAT   bool `yaml:"enable_local_nat"`

	// RulesCheckThreshold forces a full expired-rule sweep every N
	// receive-loop iterations. Zero disables the forced sweep.
	RulesCheckThreshold int `yaml:"rules_check_threshold"`

	// SudoExe is the sudo executable used for sudo-wrapped command messages.
	SudoExe string `yaml:"sudo_exe"`

	// PacketLimit stops the server after N packets. Zero means no limit;
	// mainly useful for tests and captures.
	PacketLimit int `yaml:"packet_limit,omitempty"`

	// Test disables all side effects (firewall, commands, replay inserts).
	Test bool `yaml:"test,omitempty"`
}

// ServiceEntry declares one grantable service for SERVICE_ACCESS requests.
type ServiceEntry struct {
	ID      uint32 `yaml:"id"`
	Name    string `yaml:"name"`
	Proto   string `yaml:"proto"`
	Port    uint16 `yaml:"port"`
	NatIP   string `yaml:"nat_ip,omitempty"`
	NatPort uint16 `yaml:"nat_port,omitempty"`
}

// ServerConfig is the top-level structure for /etc/spagate/config.yaml.
type ServerConfig struct {
	Server   ServerSettings `yaml:"server"`
	Services []ServiceEntry `yaml:"services,omitempty"`
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.Server.UDPPort = 62201
	cfg.Server.Collector = "udp"
	cfg.Server.SelectTimeout = Duration{500 * time.Millisecond}
	cfg.Server.Firewall = "nft"
	cfg.Server.EnableFirewall = true
	cfg.Server.AccessFile = "/etc/spagate/access.toml"
	cfg.Server.DigestFile = "/var/lib/spagate/digests.db"
	cfg.Server.DisableSDPMode = true
	cfg.Server.EnableSPAPacketAging = true
	cfg.Server.MaxSPAPacketAge = Duration{120 * time.Second}
	cfg.Server.EnableDigestPersistence = true
	cfg.Server.AllowLegacyAccessRequests = true
	cfg.Server.RulesCheckThreshold = 20
	cfg.Server.SudoExe = "/usr/bin/sudo"
	return cfg
}

// LoadServerConfig reads and parses a server config file from path.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config %s: %w", path, err)
	}
	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveServerConfig writes the server config to path, creating directories as
// needed. 0600 since the file may reference key material locations.
func SaveServerConfig(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling server config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations the server cannot run with.
func (cfg *ServerConfig) Validate() error {
	s := &cfg.Server
	if s.UDPPort == 0 {
		return fmt.Errorf("udp_port must be set")
	}
	switch s.Collector {
	case "udp", "pcap":
	default:
		return fmt.Errorf("collector must be 'udp' or 'pcap', got %q", s.Collector)
	}
	if s.Collector == "pcap" && s.PcapIface == "" {
		return fmt.Errorf("pcap collector requires pcap_iface")
	}
	if s.AccessFile == "" {
		return fmt.Errorf("access_file must be set")
	}
	if s.EnableDigestPersistence && s.DigestFile == "" {
		return fmt.Errorf("enable_digest_persistence requires digest_file")
	}
	if s.SelectTimeout.Duration <= 0 {
		s.SelectTimeout = Duration{500 * time.Millisecond}
	}
	if s.MaxSPAPacketAge.Duration <= 0 {
		s.MaxSPAPacketAge = Duration{120 * time.Second}
	}
	return nil
}

// Duration is a wrapper around time.Duration that supports YAML marshalling
// in human-readable form (e.g. "30s", "1m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}
