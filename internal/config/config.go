package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/camwatch/internal/db"
	"github.com/anstrom/camwatch/internal/errors"
)

// File permission constants.
const (
	configDirPermissions  = 0o750
	configFilePermissions = 0o600
)

// Config represents the complete camwatch configuration
type Config struct {
	// Scan pipeline configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Title matching rules
	Detection DetectionConfig `yaml:"detection" json:"detection"`

	// Background geolocation
	Geolocation GeolocationConfig `yaml:"geolocation" json:"geolocation"`

	// MJPEG streaming
	Stream StreamConfig `yaml:"stream" json:"stream"`

	// Message bus
	Bus BusConfig `yaml:"bus" json:"bus"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Result persistence
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Periodic rescans
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`

	// Port discovery
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`

	// NATS bridge
	NATS NATSConfig `yaml:"nats" json:"nats"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ScanningConfig holds the worker pool and fetch settings
type ScanningConfig struct {
	Workers         int           `yaml:"workers" json:"workers" validate:"gte=1,lte=1024"`
	QueueSize       int           `yaml:"queue_size" json:"queue_size" validate:"gte=1"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	FollowRedirects bool          `yaml:"follow_redirects" json:"follow_redirects"`
	MaxRedirects    int           `yaml:"max_redirects" json:"max_redirects" validate:"gte=0,lte=20"`
	UserAgent       string        `yaml:"user_agent" json:"user_agent" validate:"required"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes" validate:"gte=1024"`

	// Requests started per second across all workers (0 = no limit)
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" json:"burst" validate:"gte=0"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// DetectionConfig holds the rule source and matching policy
type DetectionConfig struct {
	// JSON or YAML file of {"intitle": [...]} objects
	RulesFile       string `yaml:"rules_file" json:"rules_file"`
	CaseInsensitive bool   `yaml:"case_insensitive" json:"case_insensitive"`
	TargetElement   string `yaml:"target_element" json:"target_element" validate:"required,alphanum"`
}

// GeolocationConfig holds lookup service settings
type GeolocationConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Endpoint  string        `yaml:"endpoint" json:"endpoint" validate:"required,url"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	UserAgent string        `yaml:"user_agent" json:"user_agent" validate:"required"`
	// Order is "lifo" (newest first) or "fifo"
	Order    string `yaml:"order" json:"order" validate:"oneof=lifo fifo"`
	MaxQueue int    `yaml:"max_queue" json:"max_queue" validate:"gte=0"`

	// Locate every target identified as a camera
	AutoLocateCameras bool `yaml:"auto_locate_cameras" json:"auto_locate_cameras"`

	// DNS server used to resolve hostnames before lookup, e.g. "1.1.1.1:53"
	DNSServer string `yaml:"dns_server" json:"dns_server" validate:"omitempty,hostname_port|ip"`
}

// StreamConfig holds MJPEG stream settings
type StreamConfig struct {
	Timeout    time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	MaxBlocks  int           `yaml:"max_blocks" json:"max_blocks" validate:"gte=0"`
	MaxStreams int           `yaml:"max_streams" json:"max_streams" validate:"gte=1"`
}

// BusConfig holds message bus settings
type BusConfig struct {
	// Per-subscriber mailbox bound (0 = unbounded)
	MailboxLimit int `yaml:"mailbox_limit" json:"mailbox_limit" validate:"gte=0"`
}

// APIConfig holds the HTTP API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr"`
	Port           int           `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"gte=0"`
	MaxRequestSize int64         `yaml:"max_request_size" json:"max_request_size" validate:"gte=0"`
	CORSOrigins    []string      `yaml:"cors_origins" json:"cors_origins"`
}

// DatabaseConfig wraps the PostgreSQL settings with an enable switch
type DatabaseConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	db.Config `yaml:",inline"`
}

// ScheduleConfig holds cron rescan settings
type ScheduleConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Cron    string   `yaml:"cron" json:"cron"`
	Targets []string `yaml:"targets" json:"targets"`
}

// DiscoveryConfig holds nmap discovery settings
type DiscoveryConfig struct {
	Ports   string        `yaml:"ports" json:"ports" validate:"required"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// NATSConfig holds the NATS bridge settings
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
	// stdout, stderr or a file path
	Output    string `yaml:"output" json:"output"`
	AddSource bool   `yaml:"add_source" json:"add_source"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			Workers:         8,
			QueueSize:       256,
			Timeout:         20 * time.Second,
			FollowRedirects: true,
			MaxRedirects:    5,
			UserAgent:       "libcurl-agent/1.0",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Detection: DetectionConfig{
			CaseInsensitive: true,
			TargetElement:   "title",
		},
		Geolocation: GeolocationConfig{
			Enabled:   true,
			Endpoint:  "https://ipinfo.io",
			Timeout:   10 * time.Second,
			UserAgent: "libcurl-agent/1.0",
			Order:     "lifo",
		},
		Stream: StreamConfig{
			Timeout:    10 * time.Second,
			MaxStreams: 4,
		},
		API: APIConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1",
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB
			CORSOrigins:    []string{"*"},
		},
		Database: DatabaseConfig{
			Enabled: false,
			Config:  db.DefaultConfig(),
		},
		Schedule: ScheduleConfig{
			Cron: "@every 1h",
		},
		Discovery: DiscoveryConfig{
			Ports:   "80,81,443,554,8000,8080,8081,8443,8888",
			Timeout: 5 * time.Minute,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "camwatch",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// YAML is a superset of JSON, so one decoder covers both
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse %s config", formatName(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func formatName(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "JSON"
	default:
		return "YAML"
	}
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePermissions); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags first, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.ErrConfigInvalid(strings.ToLower(fe.Namespace()), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.API.Enabled {
		if c.API.Port == 0 {
			return fmt.Errorf("API port must be between 1 and 65535")
		}
		if c.API.ListenAddr == "" {
			return fmt.Errorf("API listen address is required when API is enabled")
		}
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if c.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	}

	if c.Schedule.Enabled {
		if c.Schedule.Cron == "" {
			return fmt.Errorf("schedule cron expression is required when schedule is enabled")
		}
		if len(c.Schedule.Targets) == 0 {
			return fmt.Errorf("schedule needs at least one target")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("NATS URL is required when the bridge is enabled")
	}

	if c.Scanning.Burst > 0 && c.Scanning.RateLimit == 0 {
		return fmt.Errorf("scanning burst requires a rate limit")
	}

	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}

// GetDatabaseConfig returns the database configuration
func (c *Config) GetDatabaseConfig() db.Config {
	return c.Database.Config
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// GetLogOutput returns the log output destination
func (c *Config) GetLogOutput() string {
	return c.Logging.Output
}
