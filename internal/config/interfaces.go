package config

import "time"

// Config represents the registrar configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Accounts AccountsConfig `yaml:"accounts"`
	Media    MediaConfig    `yaml:"media"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the local SIP endpoint and the dispatch pool settings
type ServerConfig struct {
	// Host is the address advertised in Via and Record-Route
	Host             string        `yaml:"host"`
	UDPPort          int           `yaml:"udp_port"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// OverlayConfig selects and configures the overlay network backend
type OverlayConfig struct {
	Backend   string `yaml:"backend"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	CacheSize int    `yaml:"cache_size"`
}

// AccountsConfig selects the account validity backend
type AccountsConfig struct {
	Backend  string   `yaml:"backend"`
	AllowAll bool     `yaml:"allow_all"`
	List     []string `yaml:"list"`
	Path     string   `yaml:"path"`
	RedisKey string   `yaml:"redis_key"`
}

// MediaConfig toggles SDP processing
type MediaConfig struct {
	SDPRewrite bool `yaml:"sdp_rewrite"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	Load(filename string) (*Config, error)
	Validate(config *Config) error
}

// Backend names
const (
	OverlayMemory = "memory"
	OverlayRedis  = "redis"

	AccountsStatic = "static"
	AccountsSQLite = "sqlite"
	AccountsRedis  = "redis"
)
