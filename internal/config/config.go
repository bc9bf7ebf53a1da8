package config

import (
	"time"

	"github.com/shurlinet/parley/pkg/p2pnet"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the parley node configuration.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	User      UserConfig      `yaml:"user"`
	Network   NetworkConfig   `yaml:"network"`
	Relay     RelayConfig     `yaml:"relay"`
	Upgrade   UpgradeConfig   `yaml:"upgrade"`
	Voice     VoiceConfig     `yaml:"voice"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// IdentityConfig holds identity-related configuration
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"` // empty = ephemeral identity
}

// UserConfig holds the local user's presentation.
type UserConfig struct {
	DisplayName string `yaml:"display_name"`
}

// NetworkConfig holds network-related configuration
type NetworkConfig struct {
	ListenAddresses          []string `yaml:"listen_addresses"`
	ForcePrivateReachability bool     `yaml:"force_private_reachability"`
	EnableWebRTC             bool     `yaml:"enable_webrtc"`
	ResourceLimitsEnabled    bool     `yaml:"resource_limits_enabled"`
	STUNServers              []string `yaml:"stun_servers"`
	WatchChanges             bool     `yaml:"watch_changes"` // re-advertise to relayed peers when addresses change
}

// RelayConfig holds relay-related configuration
type RelayConfig struct {
	Addresses           []string             `yaml:"addresses"`
	ReservationInterval time.Duration        `yaml:"-"`
	SettleDelay         time.Duration        `yaml:"-"`
	Serve               bool                 `yaml:"serve"`
	Resources           RelayResourcesConfig `yaml:"resources,omitempty"`
}

// RelayResourcesConfig holds relay v2 resource limits for the relay role.
// Zero values keep the built-in defaults; an empty session_duration and
// session_data_limit leave relayed sessions unlimited.
type RelayResourcesConfig struct {
	MaxReservations       int    `yaml:"max_reservations"`
	MaxCircuits           int    `yaml:"max_circuits"`
	BufferSize            int    `yaml:"buffer_size"`
	MaxReservationsPerIP  int    `yaml:"max_reservations_per_ip"`
	MaxReservationsPerASN int    `yaml:"max_reservations_per_asn"`
	ReservationTTL        string `yaml:"reservation_ttl"`
	SessionDuration       string `yaml:"session_duration"`
	SessionDataLimit      string `yaml:"session_data_limit"`
}

// UpgradeConfig tunes the relay-to-direct upgrade.
type UpgradeConfig struct {
	DialTimeout           time.Duration `yaml:"-"`
	VerifyTimeout         time.Duration `yaml:"-"`
	AllowPrivateAddresses bool          `yaml:"allow_private_addresses"`
	AdvertRate            float64       `yaml:"advert_rate"`  // adverts per second per peer
	AdvertBurst           int           `yaml:"advert_burst"` // default: 3
}

// VoiceConfig tunes the call controller.
type VoiceConfig struct {
	AutoAnswer    *bool         `yaml:"auto_answer"` // nil = true
	OpenTimeout   time.Duration `yaml:"-"`
	MaxChunkBytes int           `yaml:"max_chunk_bytes"`
}

// AutoAnswerEnabled reports whether incoming calls go straight to active.
func (v VoiceConfig) AutoAnswerEnabled() bool {
	return v.AutoAnswer == nil || *v.AutoAnswer
}

// DiscoveryConfig holds LAN and DHT discovery configuration
type DiscoveryConfig struct {
	MDNS           bool     `yaml:"mdns"`
	DHT            bool     `yaml:"dht"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// TelemetryConfig holds Prometheus metrics and audit log configuration.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsListen  string `yaml:"metrics_listen"` // default: 127.0.0.1:9091
	AuditEnabled   bool   `yaml:"audit_enabled"`
}

// DaemonConfig holds the control socket paths.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`
	CookiePath string `yaml:"cookie_path"`
}

const (
	DefaultReservationInterval = p2pnet.DefaultReservationRefresh
	DefaultRelaySettleDelay    = p2pnet.DefaultRelaySettleDelay
	DefaultUpgradeDialTimeout  = 10 * time.Second
	DefaultVerifyTimeout       = 5 * time.Second
	DefaultAdvertRate          = 1.0
	DefaultAdvertBurst         = 3
	DefaultVoiceOpenTimeout    = 10 * time.Second
	DefaultMaxChunkBytes       = 64 << 10
	DefaultMetricsListen       = "127.0.0.1:9091"
	DefaultSocketName          = "parley.sock"
	DefaultCookieName          = ".daemon-cookie"
)

// Default returns a configuration with every default applied. Used when
// no config file exists.
func Default() *Config {
	cfg := &Config{Version: CurrentConfigVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		cfg.Network.ListenAddresses = []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
			"/ip6/::/tcp/0",
			"/ip6/::/udp/0/quic-v1",
		}
		if cfg.Network.EnableWebRTC {
			cfg.Network.ListenAddresses = append(cfg.Network.ListenAddresses, "/ip4/0.0.0.0/udp/0/webrtc-direct")
		}
	}
	if cfg.Relay.ReservationInterval == 0 {
		cfg.Relay.ReservationInterval = DefaultReservationInterval
	}
	if cfg.Relay.SettleDelay == 0 {
		cfg.Relay.SettleDelay = DefaultRelaySettleDelay
	}
	if cfg.Upgrade.DialTimeout == 0 {
		cfg.Upgrade.DialTimeout = DefaultUpgradeDialTimeout
	}
	if cfg.Upgrade.VerifyTimeout == 0 {
		cfg.Upgrade.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.Upgrade.AdvertRate == 0 {
		cfg.Upgrade.AdvertRate = DefaultAdvertRate
	}
	if cfg.Upgrade.AdvertBurst == 0 {
		cfg.Upgrade.AdvertBurst = DefaultAdvertBurst
	}
	if cfg.Voice.OpenTimeout == 0 {
		cfg.Voice.OpenTimeout = DefaultVoiceOpenTimeout
	}
	if cfg.Voice.MaxChunkBytes == 0 {
		cfg.Voice.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if cfg.Telemetry.MetricsEnabled && cfg.Telemetry.MetricsListen == "" {
		cfg.Telemetry.MetricsListen = DefaultMetricsListen
	}
}
