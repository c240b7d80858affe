package config

import (
	"time"

	"github.com/nkkko/notify-relay/internal/api/gateway"
	"github.com/nkkko/notify-relay/internal/bus"
	"github.com/nkkko/notify-relay/internal/domain"
	"github.com/nkkko/notify-relay/internal/engine"
	"github.com/nkkko/notify-relay/internal/logging"
	"github.com/nkkko/notify-relay/internal/session"
	"github.com/nkkko/notify-relay/internal/telemetry"
)

// ToEngineConfig converts the central config to an engine config
func (c *Config) ToEngineConfig() engine.Config {
	return engine.Config{
		API:             c.ToAPIConfig(),
		Bus:             c.ToBusConfig(),
		Telemetry:       c.ToTelemetryConfig(),
		ShutdownTimeout: time.Duration(c.Server.ShutdownTimeout) * time.Second,
	}
}

// ToAPIConfig converts to the listener factory config
func (c *Config) ToAPIConfig() domain.APIConfig {
	return domain.APIConfig{
		Type: domain.APIType(c.Server.Engine),
		Listener: gateway.Config{
			Addr:           c.Server.Addr,
			WebSocketPath:  c.Server.WebSocketPath,
			AllowedOrigins: c.Server.AllowedOrigins,
			PublishEnabled: c.Server.PublishEnabled,
			DisableMetrics: !c.Metrics.Enabled,
			MaxBodySize:    c.Server.MaxBodySize,
			ReadTimeout:    time.Duration(c.Server.ReadTimeout) * time.Second,
			WriteTimeout:   time.Duration(c.Server.WriteTimeout) * time.Second,
			IdleTimeout:    time.Duration(c.Server.IdleTimeout) * time.Second,
			Session:        c.ToSessionConfig(),
		},
	}
}

// ToSessionConfig converts to session config
func (c *Config) ToSessionConfig() session.Config {
	return session.Config{
		SendBufferSize: c.Session.SendBufferSize,
		WriteTimeout:   time.Duration(c.Session.WriteTimeoutMs) * time.Millisecond,
		PongWait:       time.Duration(c.Session.PongWaitMs) * time.Millisecond,
		PingPeriod:     time.Duration(c.Session.PingPeriodMs) * time.Millisecond,
		MaxMessageSize: c.Session.MaxMessageSize,
	}
}

// ToBusConfig converts to bus config
func (c *Config) ToBusConfig() bus.Config {
	return bus.Config{
		Type: bus.Type(c.Bus.Type),
		Redis: bus.RedisConfig{
			Addr:     c.Bus.Redis.Addr,
			Password: c.Bus.Redis.Password,
			DB:       c.Bus.Redis.DB,
			Channel:  c.Bus.Redis.Channel,
		},
		MemoryBuffer: c.Bus.MemoryBuffer,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	format := logging.FormatJSON
	if c.Logging.Format == string(logging.FormatConsole) {
		format = logging.FormatConsole
	}

	return logging.Config{
		Level:             logging.LogLevel(c.Logging.Level),
		Format:            format,
		IncludeCaller:     c.Logging.IncludeCaller,
		IncludeStacktrace: true,
		GlobalFields:      c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		Insecure:      c.Telemetry.Insecure,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
