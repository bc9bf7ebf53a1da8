package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions rejects config files readable by group or
// world. Config files name key files and relay topology.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o, expected 0600; fix with: chmod 600 %s", ErrConfigPermissions, path, mode, path)
	}
	return nil
}

// rawConfig mirrors Config with duration fields as strings.
type rawConfig struct {
	Version  int            `yaml:"version,omitempty"`
	Identity IdentityConfig `yaml:"identity"`
	User     UserConfig     `yaml:"user"`
	Network  NetworkConfig  `yaml:"network"`
	Relay    struct {
		Addresses           []string             `yaml:"addresses"`
		ReservationInterval string               `yaml:"reservation_interval"`
		SettleDelay         string               `yaml:"settle_delay"`
		Serve               bool                 `yaml:"serve"`
		Resources           RelayResourcesConfig `yaml:"resources"`
	} `yaml:"relay"`
	Upgrade struct {
		DialTimeout           string  `yaml:"dial_timeout"`
		VerifyTimeout         string  `yaml:"verify_timeout"`
		AllowPrivateAddresses bool    `yaml:"allow_private_addresses"`
		AdvertRate            float64 `yaml:"advert_rate"`
		AdvertBurst           int     `yaml:"advert_burst"`
	} `yaml:"upgrade"`
	Voice struct {
		AutoAnswer    *bool  `yaml:"auto_answer"`
		OpenTimeout   string `yaml:"open_timeout"`
		MaxChunkBytes int    `yaml:"max_chunk_bytes"`
	} `yaml:"voice"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// parseDuration parses an optional duration field. Empty means zero, which
// applyDefaults later replaces.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", field)
	}
	return d, nil
}

// Load reads, parses and defaults the configuration at path.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config data and applies defaults.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for configs written before versioning was added
	version := raw.Version
	if version == 0 {
		version = 1
	}
	if version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade parley", ErrConfigVersionTooNew, version, CurrentConfigVersion)
	}

	cfg := &Config{
		Version:   version,
		Identity:  raw.Identity,
		User:      raw.User,
		Network:   raw.Network,
		Discovery: raw.Discovery,
		Telemetry: raw.Telemetry,
		Daemon:    raw.Daemon,
		Relay: RelayConfig{
			Addresses: raw.Relay.Addresses,
			Serve:     raw.Relay.Serve,
			Resources: raw.Relay.Resources,
		},
		Upgrade: UpgradeConfig{
			AllowPrivateAddresses: raw.Upgrade.AllowPrivateAddresses,
			AdvertRate:            raw.Upgrade.AdvertRate,
			AdvertBurst:           raw.Upgrade.AdvertBurst,
		},
		Voice: VoiceConfig{
			AutoAnswer:    raw.Voice.AutoAnswer,
			MaxChunkBytes: raw.Voice.MaxChunkBytes,
		},
	}

	durations := []struct {
		field string
		s     string
		dst   *time.Duration
	}{
		{"relay.reservation_interval", raw.Relay.ReservationInterval, &cfg.Relay.ReservationInterval},
		{"relay.settle_delay", raw.Relay.SettleDelay, &cfg.Relay.SettleDelay},
		{"upgrade.dial_timeout", raw.Upgrade.DialTimeout, &cfg.Upgrade.DialTimeout},
		{"upgrade.verify_timeout", raw.Upgrade.VerifyTimeout, &cfg.Upgrade.VerifyTimeout},
		{"voice.open_timeout", raw.Voice.OpenTimeout, &cfg.Voice.OpenTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.s)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Validate checks the configuration for values the node cannot run with.
func Validate(cfg *Config) error {
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	for _, s := range cfg.Network.ListenAddresses {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("network.listen_addresses: %q: %w", s, err)
		}
	}
	for _, s := range cfg.Relay.Addresses {
		if _, err := peer.AddrInfoFromString(s); err != nil {
			return fmt.Errorf("relay.addresses: %q must be a multiaddr ending in /p2p/<peer-id>: %w", s, err)
		}
	}
	for _, s := range cfg.Discovery.BootstrapPeers {
		if _, err := peer.AddrInfoFromString(s); err != nil {
			return fmt.Errorf("discovery.bootstrap_peers: %q: %w", s, err)
		}
	}
	if cfg.Discovery.DHT && len(cfg.Discovery.BootstrapPeers) == 0 && len(cfg.Relay.Addresses) == 0 {
		return fmt.Errorf("discovery.dht requires discovery.bootstrap_peers or relay.addresses")
	}
	if cfg.Upgrade.AdvertRate < 0 {
		return fmt.Errorf("upgrade.advert_rate must not be negative")
	}
	if cfg.Upgrade.AdvertBurst < 0 {
		return fmt.Errorf("upgrade.advert_burst must not be negative")
	}
	if cfg.Voice.MaxChunkBytes < 0 {
		return fmt.Errorf("voice.max_chunk_bytes must not be negative")
	}
	if name := cfg.User.DisplayName; name != "" && strings.TrimSpace(name) == "" {
		return fmt.Errorf("user.display_name must not be blank")
	}

	res := cfg.Relay.Resources
	for _, d := range []struct{ field, s string }{
		{"relay.resources.reservation_ttl", res.ReservationTTL},
		{"relay.resources.session_duration", res.SessionDuration},
	} {
		if _, err := parseDuration(d.field, d.s); err != nil {
			return err
		}
	}
	if res.SessionDataLimit != "" {
		if _, err := ParseDataSize(res.SessionDataLimit); err != nil {
			return fmt.Errorf("relay.resources.session_data_limit: %w", err)
		}
	}
	return nil
}

// FindConfigFile searches for a parley config file in standard locations.
// Search order: explicitPath (if given), ./parley.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{
		"parley.yaml",
	}

	// ~/.config/parley/config.yaml
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	searchPaths = append(searchPaths, filepath.Join("/etc", "parley", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nuse --config <path> to name one", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// ResolveConfigPaths resolves relative file paths in the config against
// configDir and fills in the default daemon socket and cookie locations.
func ResolveConfigPaths(cfg *Config, configDir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
	resolve(&cfg.Identity.KeyFile)
	resolve(&cfg.Daemon.SocketPath)
	resolve(&cfg.Daemon.CookiePath)

	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = filepath.Join(configDir, DefaultSocketName)
	}
	if cfg.Daemon.CookiePath == "" {
		cfg.Daemon.CookiePath = filepath.Join(filepath.Dir(cfg.Daemon.SocketPath), DefaultCookieName)
	}
}

// DefaultConfigDir returns the default parley config directory (~/.config/parley).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "parley"), nil
}

// ParseDataSize parses a human-readable data size string (e.g., "128KB", "64MB", "1GB")
// and returns the value in bytes. Supported suffixes: B, KB, MB, GB (case-insensitive).
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty data size")
	}

	s = strings.ToUpper(s)
	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	numStr = strings.TrimSpace(numStr)
	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid data size %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("data size must be non-negative: %s", s)
	}
	return val * multiplier, nil
}
