package statestore

import (
	"context"
	"sync"

	"github.com/oursky/inference-balancer/pkg/fleet"
	"golang.org/x/sync/errgroup"
)

type InMemoryStore struct {
	lock   *sync.RWMutex
	values map[string]fleet.DesiredState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		lock:   new(sync.RWMutex),
		values: make(map[string]fleet.DesiredState),
	}
}

func (s *InMemoryStore) Start(ctx context.Context, g *errgroup.Group) error {
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, agentID string) (fleet.DesiredState, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	state, ok := s.values[agentID]
	return state, ok, nil
}

func (s *InMemoryStore) Put(ctx context.Context, agentID string, state fleet.DesiredState) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.values[agentID] = state
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
