package session

import (
	"time"

	"github.com/oursky/inference-balancer/pkg/utils/defaults"
	"github.com/oursky/inference-balancer/pkg/utils/tomltypes"
)

type Config struct {
	PingInterval   *tomltypes.Duration `toml:"pingInterval,omitempty"`
	ReadTimeout    *tomltypes.Duration `toml:"readTimeout,omitempty"`
	WriteTimeout   *tomltypes.Duration `toml:"writeTimeout,omitempty"`
	MaxMessageSize *int64              `toml:"maxMessageSize,omitempty" validate:"omitempty,min=1024"`
	OutboxSize     *int                `toml:"outboxSize,omitempty" validate:"omitempty,min=1"`
	UpdateRate     *float64            `toml:"updateRate,omitempty" validate:"omitempty,gt=0"`
	UpdateBurst    *int                `toml:"updateBurst,omitempty" validate:"omitempty,min=1"`
}

func (c *Config) GetPingInterval() time.Duration {
	return defaults.Value(c.PingInterval.Value(), 10*time.Second)
}

// GetReadTimeout must exceed the ping interval, or idle agents are dropped.
func (c *Config) GetReadTimeout() time.Duration {
	return defaults.Value(c.ReadTimeout.Value(), 30*time.Second)
}

func (c *Config) GetWriteTimeout() time.Duration {
	return defaults.Value(c.WriteTimeout.Value(), 10*time.Second)
}

func (c *Config) GetMaxMessageSize() int64 {
	return defaults.Value(c.MaxMessageSize, 64*1024)
}

func (c *Config) GetOutboxSize() int {
	return defaults.Value(c.OutboxSize, 16)
}

func (c *Config) GetUpdateRate() float64 {
	return defaults.Value(c.UpdateRate, 50)
}

func (c *Config) GetUpdateBurst() int {
	return defaults.Value(c.UpdateBurst, 50)
}
