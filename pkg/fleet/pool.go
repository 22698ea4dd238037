package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StateStore persists desired states; it is the source of truth across
// restarts.
type StateStore interface {
	Put(ctx context.Context, agentID string, state DesiredState) error
	Get(ctx context.Context, agentID string) (DesiredState, bool, error)
}

// CommandSink delivers a set_state command to the session of an agent.
// Deliver must not block; it reports false when the command was dropped.
type CommandSink interface {
	Deliver(state DesiredState) bool
}

type record struct {
	id           string
	name         string
	status       SlotAggregatedStatusSnapshot
	desired      DesiredState
	registeredAt time.Time
	sink         CommandSink
}

func (r record) snapshot() AgentSnapshot {
	return AgentSnapshot{
		ID:           r.id,
		Name:         r.name,
		Status:       r.status,
		DesiredState: r.desired,
		RegisteredAt: r.registeredAt,
	}
}

type Pool struct {
	logger *zap.Logger
	store  StateStore
	now    func() time.Time

	lock    *sync.RWMutex
	records map[string]record
	closed  bool

	// serializes desired state transitions, so that the store and the
	// records observe them in the same order
	transitionLock *sync.Mutex
}

func NewPool(logger *zap.Logger, store StateStore) *Pool {
	return &Pool{
		logger:         logger.Named("pool"),
		store:          store,
		now:            time.Now,
		lock:           new(sync.RWMutex),
		records:        make(map[string]record),
		transitionLock: new(sync.Mutex),
	}
}

func (p *Pool) Start(ctx context.Context, g *errgroup.Group) error {
	g.Go(func() error {
		<-ctx.Done()
		p.Close()
		return nil
	})
	return nil
}

// Close stops the pool from accepting further writes; snapshots report
// ErrUnavailable afterwards.
func (p *Pool) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.closed {
		p.logger.Info("closing pool", zap.Int("agents", len(p.records)))
	}
	p.closed = true
}

// DesiredStateOf returns the persisted desired state of an agent, or
// DesiredStateActive if none was ever recorded.
func (p *Pool) DesiredStateOf(ctx context.Context, id string) (DesiredState, error) {
	state, ok, err := p.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return DesiredStateActive, nil
	}
	return state, nil
}

// Register inserts the record of an agent with its persisted desired state,
// which is returned. A record with the same id is replaced, not merged.
func (p *Pool) Register(ctx context.Context, id string, name string, status SlotAggregatedStatusSnapshot, sink CommandSink) (DesiredState, error) {
	p.transitionLock.Lock()
	defer p.transitionLock.Unlock()

	// read under transitionLock so that no transition lands between the
	// read and the insert
	desired, err := p.DesiredStateOf(ctx, id)
	if err != nil {
		return "", fmt.Errorf("cannot load desired state of agent %q: %w", id, err)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return "", ErrUnavailable
	}

	_, replaced := p.records[id]
	p.records[id] = record{
		id:           id,
		name:         name,
		status:       status,
		desired:      desired,
		registeredAt: p.now(),
		sink:         sink,
	}

	p.logger.Info("agent registered",
		zap.String("agentID", id),
		zap.String("name", name),
		zap.String("desiredState", string(desired)),
		zap.Bool("replaced", replaced),
		zap.Int("agents", len(p.records)),
	)
	return desired, nil
}

// UpdateStatus replaces the latest status of a registered agent and
// reconciles it against the desired state.
func (p *Pool) UpdateStatus(ctx context.Context, id string, status SlotAggregatedStatusSnapshot) error {
	desired, err := p.updateStatus(id, status)
	if err != nil {
		return err
	}

	cmd := Reconcile(status, desired)
	if cmd == nil {
		return nil
	}

	p.logger.Info("reconciling agent",
		zap.String("agentID", id),
		zap.String("command", string(cmd.Kind)),
		zap.String("desiredState", string(desired)),
		zap.Int("slotsBusy", status.SlotsBusy),
		zap.Int("slotsTotal", status.SlotsTotal),
	)
	_, err = p.transition(ctx, id, &desired, cmd.TargetState())
	return err
}

func (p *Pool) updateStatus(id string, status SlotAggregatedStatusSnapshot) (DesiredState, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return "", ErrUnavailable
	}

	r, ok := p.records[id]
	if !ok {
		return "", fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	r.status = status
	p.records[id] = r

	p.logger.Debug("agent status updated",
		zap.String("agentID", id),
		zap.Int("slotsBusy", status.SlotsBusy),
		zap.Int("slotsTotal", status.SlotsTotal),
		zap.Int("queuedRequests", status.QueuedRequests),
	)
	return r.desired, nil
}

// SetDesiredState persists the desired state of a registered agent, then
// applies it to the record and sends it to the agent.
func (p *Pool) SetDesiredState(ctx context.Context, id string, state DesiredState) error {
	if !state.IsValid() {
		return fmt.Errorf("invalid desired state: %q", state)
	}
	_, err := p.transition(ctx, id, nil, state)
	return err
}

// transition moves an agent to the given desired state. When expected is
// set, the transition only happens if the current desired state still
// matches it.
func (p *Pool) transition(ctx context.Context, id string, expected *DesiredState, state DesiredState) (bool, error) {
	p.transitionLock.Lock()
	defer p.transitionLock.Unlock()

	current, err := p.Get(id)
	if err != nil {
		return false, err
	}
	if expected != nil && current.DesiredState != *expected {
		return false, nil
	}

	if err := p.store.Put(ctx, id, state); err != nil {
		return false, fmt.Errorf("cannot persist desired state of agent %q: %w", id, err)
	}

	sink, err := p.applyDesiredState(id, state)
	if err != nil {
		return false, err
	}

	p.logger.Info("desired state changed",
		zap.String("agentID", id),
		zap.String("from", string(current.DesiredState)),
		zap.String("to", string(state)),
	)

	if sink != nil && !sink.Deliver(state) {
		p.logger.Warn("set_state command dropped",
			zap.String("agentID", id),
			zap.String("desiredState", string(state)),
		)
	}
	return true, nil
}

func (p *Pool) applyDesiredState(id string, state DesiredState) (CommandSink, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return nil, ErrUnavailable
	}

	r, ok := p.records[id]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	r.desired = state
	p.records[id] = r
	return r.sink, nil
}

// Remove deletes the record of an agent. Removing an absent agent is a no-op.
func (p *Pool) Remove(id string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return
	}
	if _, ok := p.records[id]; !ok {
		return
	}
	delete(p.records, id)
	p.logger.Info("agent removed", zap.String("agentID", id), zap.Int("agents", len(p.records)))
}

// Deregister deletes the record of an agent only if it is still owned by
// the given sink; a stale session must not remove the record of a newer
// connection with the same id.
func (p *Pool) Deregister(id string, sink CommandSink) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return false
	}
	r, ok := p.records[id]
	if !ok || r.sink != sink {
		return false
	}
	delete(p.records, id)
	p.logger.Info("agent deregistered", zap.String("agentID", id), zap.Int("agents", len(p.records)))
	return true
}

func (p *Pool) Get(id string) (AgentSnapshot, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if p.closed {
		return AgentSnapshot{}, ErrUnavailable
	}

	r, ok := p.records[id]
	if !ok {
		return AgentSnapshot{}, fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	return r.snapshot(), nil
}

func (p *Pool) MakeSnapshot() (FleetSnapshot, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if p.closed {
		return FleetSnapshot{}, ErrUnavailable
	}

	agents := lo.MapToSlice(p.records, func(_ string, r record) AgentSnapshot {
		return r.snapshot()
	})
	return NewFleetSnapshot(agents, p.now()), nil
}
