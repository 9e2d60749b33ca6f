package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// supported values
const (
	TransportRelay = "relay"
	TransportLAN   = "lan"

	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MESHCHAT"

// Config holds all app configuration
type Config struct {
	Identity  IdentityConfig  `mapstructure:"identity"`
	Network   NetworkConfig   `mapstructure:"network"`
	Session   SessionConfig   `mapstructure:"session"`
	History   HistoryConfig   `mapstructure:"history"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	UI        UIConfig        `mapstructure:"ui"`
	Log       LogConfig       `mapstructure:"log"`
}

// IdentityConfig holds what other peers see of us
type IdentityConfig struct {
	// display name, empty means the os user name
	Name string `mapstructure:"name"`
}

// NetworkConfig holds networking settings
type NetworkConfig struct {
	// relay or lan
	Transport string `mapstructure:"transport"`
	RelayURL  string `mapstructure:"relay_url"`

	// port range for the lan listener
	MinPort int `mapstructure:"min_port"`
	MaxPort int `mapstructure:"max_port"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// address for `meshchat relay`
	RelayListen string `mapstructure:"relay_listen"`
}

// SessionConfig holds protocol tuning
type SessionConfig struct {
	// 0 disables join retries
	JoinRetryInterval time.Duration `mapstructure:"join_retry_interval"`
}

// HistoryConfig holds local history settings
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// DiscoveryConfig holds peer discovery settings
type DiscoveryConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`

	// how long lan dials wait for mDNS
	Timeout time.Duration `mapstructure:"timeout"`
}

// UIConfig holds UI settings
type UIConfig struct {
	EnableColors      bool `mapstructure:"enable_colors"`
	MessageTimestamps bool `mapstructure:"message_timestamps"`
	MaxMessageHistory int  `mapstructure:"max_message_history"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Transport:      TransportRelay,
			RelayURL:       "ws://127.0.0.1:8765/ws",
			MinPort:        8000,
			MaxPort:        9000,
			ConnectTimeout: 30 * time.Second,
			RelayListen:    ":8765",
		},
		Session: SessionConfig{
			JoinRetryInterval: 5 * time.Second,
		},
		History: HistoryConfig{
			Enabled: true,
			Backend: BackendFile,
			Dir:     defaultHistoryDir(),
		},
		Discovery: DiscoveryConfig{
			STUNServers: []string{
				"stun.l.google.com:19302",
				"stun1.l.google.com:19302",
				"stun2.l.google.com:19302",
			},
			Timeout: 10 * time.Second,
		},
		UI: UIConfig{
			EnableColors:      true,
			MessageTimestamps: true,
			MaxMessageHistory: 1000,
		},
	}
}

func defaultHistoryDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".meshchat", "history")
	}
	return filepath.Join(dir, "meshchat", "history")
}

// Load reads defaults, then the optional file at path, then MESHCHAT_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("identity.name", d.Identity.Name)

	v.SetDefault("network.transport", d.Network.Transport)
	v.SetDefault("network.relay_url", d.Network.RelayURL)
	v.SetDefault("network.min_port", d.Network.MinPort)
	v.SetDefault("network.max_port", d.Network.MaxPort)
	v.SetDefault("network.connect_timeout", d.Network.ConnectTimeout)
	v.SetDefault("network.relay_listen", d.Network.RelayListen)

	v.SetDefault("session.join_retry_interval", d.Session.JoinRetryInterval)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.backend", d.History.Backend)
	v.SetDefault("history.dir", d.History.Dir)

	v.SetDefault("discovery.stun_servers", d.Discovery.STUNServers)
	v.SetDefault("discovery.timeout", d.Discovery.Timeout)

	v.SetDefault("ui.enable_colors", d.UI.EnableColors)
	v.SetDefault("ui.message_timestamps", d.UI.MessageTimestamps)
	v.SetDefault("ui.max_message_history", d.UI.MaxMessageHistory)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error

	switch c.Network.Transport {
	case TransportRelay:
		if c.Network.RelayURL == "" {
			errs = append(errs, errors.New("network.relay_url is required for the relay transport"))
		}
	case TransportLAN:
		if c.Network.MinPort <= 0 || c.Network.MaxPort < c.Network.MinPort || c.Network.MaxPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.Network.MinPort, c.Network.MaxPort))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Network.Transport))
	}

	if c.Session.JoinRetryInterval < 0 {
		errs = append(errs, errors.New("session.join_retry_interval must not be negative"))
	}

	if c.History.Enabled {
		switch c.History.Backend {
		case BackendFile, BackendSQLite:
		default:
			errs = append(errs, fmt.Errorf("unknown history backend %q", c.History.Backend))
		}
	}

	return errors.Join(errs...)
}
