package statestore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ModuleStore is a Store that also takes part in the process lifecycle.
type ModuleStore interface {
	Store
	Start(ctx context.Context, g *errgroup.Group) error
}

func Open(ctx context.Context, logger *zap.Logger, descriptor Descriptor) (ModuleStore, error) {
	logger = logger.Named("statestore")

	switch descriptor.Type {
	case TypeMemory:
		logger.Warn("using in-memory state store; desired states are lost on restart")
		return NewInMemoryStore(), nil

	case TypeFile:
		return NewSQLiteStore(ctx, logger, descriptor.Path)
	}
	return nil, &ConfigError{Descriptor: descriptor.String(), Reason: fmt.Sprintf("invalid store type: %s", descriptor.Type)}
}
