package bus

import (
	"fmt"
)

// Type identifies a bus implementation
type Type string

const (
	// RedisBusType uses Redis pub/sub
	RedisBusType Type = "redis"

	// MemoryBusType uses an in-process channel
	MemoryBusType Type = "memory"
)

// Config selects and configures a bus implementation
type Config struct {
	Type         Type
	Redis        RedisConfig
	MemoryBuffer int
}

// New creates a bus of the configured type
func New(config Config) (Bus, error) {
	switch config.Type {
	case RedisBusType, "":
		return NewRedisBus(config.Redis), nil
	case MemoryBusType:
		return NewMemoryBus(config.MemoryBuffer), nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", config.Type)
	}
}
