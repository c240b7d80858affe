package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides
const EnvPrefix = "RELAY_"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	Engine          string   `yaml:"engine"` // chi or fiber
	WebSocketPath   string   `yaml:"websocket_path"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	PublishEnabled  bool     `yaml:"publish_enabled"`
	MaxBodySize     int      `yaml:"max_body_size"`
	ReadTimeout     int      `yaml:"read_timeout"`
	WriteTimeout    int      `yaml:"write_timeout"`
	IdleTimeout     int      `yaml:"idle_timeout"`
	ShutdownTimeout int      `yaml:"shutdown_timeout"`
}

// BusConfig contains notification bus settings
type BusConfig struct {
	Type         string      `yaml:"type"` // redis or memory
	Redis        RedisConfig `yaml:"redis"`
	MemoryBuffer int         `yaml:"memory_buffer"`
}

// RedisConfig contains Redis pub/sub settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// SessionConfig contains per-connection settings
type SessionConfig struct {
	SendBufferSize int   `yaml:"send_buffer_size"`
	WriteTimeoutMs int   `yaml:"write_timeout_ms"`
	PongWaitMs     int   `yaml:"pong_wait_ms"`
	PingPeriodMs   int   `yaml:"ping_period_ms"`
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Engine:          "chi",
			WebSocketPath:   "/ws",
			AllowedOrigins:  []string{"*"},
			PublishEnabled:  false,
			MaxBodySize:     65536, // 64KB
			ReadTimeout:     5,
			WriteTimeout:    10,
			IdleTimeout:     120,
			ShutdownTimeout: 10,
		},
		Bus: BusConfig{
			Type: "redis",
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Channel: "notifications",
			},
			MemoryBuffer: 256,
		},
		Session: SessionConfig{
			SendBufferSize: 64,
			WriteTimeoutMs: 10000,
			PongWaitMs:     60000,
			PingPeriodMs:   54000,
			MaxMessageSize: 4096,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			GlobalFields: map[string]string{"service": "relay"},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "relay",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file on top of the
// defaults. A missing file is not an error.
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Overrides holds command line values. Empty fields leave the configuration
// untouched.
type Overrides struct {
	ServerAddr string
	Engine     string
	BusType    string
	RedisAddr  string
	LogLevel   string
	Publish    *bool
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, flags Overrides) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config, os.Getenv)

	// Command line flags have the highest priority
	if flags.ServerAddr != "" {
		config.Server.Addr = flags.ServerAddr
	}
	if flags.Engine != "" {
		config.Server.Engine = flags.Engine
	}
	if flags.BusType != "" {
		config.Bus.Type = flags.BusType
	}
	if flags.RedisAddr != "" {
		config.Bus.Redis.Addr = flags.RedisAddr
	}
	if flags.LogLevel != "" {
		config.Logging.Level = flags.LogLevel
	}
	if flags.Publish != nil {
		config.Server.PublishEnabled = *flags.Publish
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that have a fixed set of choices
func (c *Config) Validate() error {
	switch c.Server.Engine {
	case "chi", "fiber":
	default:
		return fmt.Errorf("invalid server engine %q: must be chi or fiber", c.Server.Engine)
	}

	switch c.Bus.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid bus type %q: must be redis or memory", c.Bus.Type)
	}

	if c.Session.PingPeriodMs >= c.Session.PongWaitMs {
		return fmt.Errorf("session ping period (%dms) must be shorter than pong wait (%dms)",
			c.Session.PingPeriodMs, c.Session.PongWaitMs)
	}
	return nil
}

// applyEnvOverrides applies RELAY_* environment variables to the configuration
func applyEnvOverrides(config *Config, getenv func(string) string) {
	env := func(name string) string {
		return getenv(EnvPrefix + name)
	}

	// Server
	if v := env("SERVER_ADDR"); v != "" {
		config.Server.Addr = v
	}
	if v := env("SERVER_ENGINE"); v != "" {
		config.Server.Engine = v
	}
	if v := env("SERVER_WEBSOCKET_PATH"); v != "" {
		config.Server.WebSocketPath = v
	}
	if v := env("SERVER_ALLOWED_ORIGINS"); v != "" {
		config.Server.AllowedOrigins = splitList(v)
	}
	if v := env("SERVER_PUBLISH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Server.PublishEnabled = b
		}
	}

	// Bus
	if v := env("BUS_TYPE"); v != "" {
		config.Bus.Type = v
	}
	if v := env("REDIS_ADDR"); v != "" {
		config.Bus.Redis.Addr = v
	}
	if v := env("REDIS_PASSWORD"); v != "" {
		config.Bus.Redis.Password = v
	}
	if v := env("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Bus.Redis.DB = n
		}
	}
	if v := env("REDIS_CHANNEL"); v != "" {
		config.Bus.Redis.Channel = v
	}

	// Session
	if v := env("SESSION_SEND_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Session.SendBufferSize = n
		}
	}

	// Logging
	if v := env("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}

	// Telemetry
	if v := env("TELEMETRY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Telemetry.Enabled = b
		}
	}
	if v := env("TELEMETRY_ENDPOINT"); v != "" {
		config.Telemetry.Endpoint = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
