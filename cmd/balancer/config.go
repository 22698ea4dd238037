package main

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/oursky/inference-balancer/pkg/dashboard"
	"github.com/oursky/inference-balancer/pkg/management"
	"github.com/oursky/inference-balancer/pkg/session"
	"github.com/oursky/inference-balancer/pkg/statestore"
)

type Config struct {
	StateDatabase string            `toml:"stateDatabase" validate:"required"`
	Management    management.Config `toml:"management"`
	Session       session.Config    `toml:"session"`
	Dashboard     dashboard.Config  `toml:"dashboard"`

	Store statestore.Descriptor `toml:"-"`
}

// NewConfig loads the config file at path, if any. A non-empty
// stateDatabase overrides the value from the file.
func NewConfig(path string, stateDatabase string) (*Config, error) {
	var config Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	if stateDatabase != "" {
		config.StateDatabase = stateDatabase
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := statestore.ParseDescriptor(config.StateDatabase)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.Store = store

	return &config, nil
}
