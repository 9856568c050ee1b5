package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manager implements the ConfigManager interface
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// Load reads and parses the configuration file. Keys missing from the file
// keep their default values.
func (m *Manager) Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := m.Validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration values are valid
func (m *Manager) Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	// 0 is allowed for testing - means "use any available port"
	if config.Server.UDPPort < 0 || config.Server.UDPPort > 65535 {
		return fmt.Errorf("invalid UDP port: %d (must be 0-65535)", config.Server.UDPPort)
	}
	if strings.TrimSpace(config.Server.Host) == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	// the host goes out in Via and Record-Route, a wildcard is unroutable
	if ip := net.ParseIP(strings.TrimSpace(config.Server.Host)); ip != nil && ip.IsUnspecified() {
		return fmt.Errorf("server host must be a reachable address, got %s", config.Server.Host)
	}
	if config.Server.Workers < 1 {
		return fmt.Errorf("invalid worker count: %d (must be at least 1)", config.Server.Workers)
	}
	if config.Server.QueueSize < 0 {
		return fmt.Errorf("invalid queue size: %d", config.Server.QueueSize)
	}
	if config.Server.DiscoveryTimeout <= 0 {
		return fmt.Errorf("discovery timeout must be positive")
	}
	if config.Server.SweepInterval < time.Second {
		return fmt.Errorf("sweep interval too short: %s (minimum 1s)", config.Server.SweepInterval)
	}

	switch config.Overlay.Backend {
	case OverlayMemory:
	case OverlayRedis:
		if strings.TrimSpace(config.Overlay.Addr) == "" {
			return fmt.Errorf("overlay redis address cannot be empty")
		}
	default:
		return fmt.Errorf("invalid overlay backend: %s (must be memory or redis)", config.Overlay.Backend)
	}
	if config.Overlay.CacheSize < 1 {
		return fmt.Errorf("invalid overlay cache size: %d", config.Overlay.CacheSize)
	}

	switch config.Accounts.Backend {
	case AccountsStatic:
	case AccountsSQLite:
		if strings.TrimSpace(config.Accounts.Path) == "" {
			return fmt.Errorf("accounts database path cannot be empty")
		}
	case AccountsRedis:
		if config.Overlay.Backend != OverlayRedis && strings.TrimSpace(config.Overlay.Addr) == "" {
			return fmt.Errorf("redis accounts need an overlay redis address")
		}
		if strings.TrimSpace(config.Accounts.RedisKey) == "" {
			return fmt.Errorf("accounts redis key cannot be empty")
		}
	default:
		return fmt.Errorf("invalid accounts backend: %s (must be static, sqlite or redis)", config.Accounts.Backend)
	}

	if config.Metrics.Enabled && strings.TrimSpace(config.Metrics.Listen) == "" {
		return fmt.Errorf("metrics listen address cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}
	switch config.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be console or json)", config.Logging.Format)
	}

	return nil
}

// GetDefaultConfig returns a configuration with default values
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			UDPPort:          5060,
			Workers:          16,
			QueueSize:        256,
			DiscoveryTimeout: 5 * time.Second,
			SweepInterval:    30 * time.Second,
		},
		Overlay: OverlayConfig{
			Backend:   OverlayMemory,
			KeyPrefix: "p2preg:",
			CacheSize: 1024,
		},
		Accounts: AccountsConfig{
			Backend:  AccountsStatic,
			AllowAll: true,
			RedisKey: "p2preg:accounts",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
