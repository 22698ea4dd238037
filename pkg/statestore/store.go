package statestore

import (
	"context"

	"github.com/oursky/inference-balancer/pkg/fleet"
)

// Store persists the desired state of agents, keyed by agent id.
type Store interface {
	Put(ctx context.Context, agentID string, state fleet.DesiredState) error
	Get(ctx context.Context, agentID string) (state fleet.DesiredState, ok bool, err error)
	Close() error
}
