package management

import "github.com/oursky/inference-balancer/pkg/utils/defaults"

type Config struct {
	Disabled bool     `toml:"disabled"`
	Addr     *string  `toml:"addr,omitempty" validate:"omitempty,tcp_addr"`
	AuthKeys []string `toml:"authKeys,omitempty" validate:"dive,min=16"`
	// AgentAuthKeys are bearer keys accepted on the agent socket; without
	// any, the socket is open to every peer reaching addr.
	AgentAuthKeys []string `toml:"agentAuthKeys,omitempty" validate:"dive,min=16"`
}

func (c *Config) GetAddr() string {
	return defaults.Value(c.Addr, "127.0.0.1:8080")
}
