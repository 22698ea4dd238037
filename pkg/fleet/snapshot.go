package fleet

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
)

// SlotAggregatedStatusSnapshot summarizes the slots of one agent as reported by
// the agent itself.
type SlotAggregatedStatusSnapshot struct {
	SlotsTotal     int       `json:"slots_total"`
	SlotsBusy      int       `json:"slots_busy"`
	QueuedRequests int       `json:"queued_requests"`
	Model          string    `json:"model,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s SlotAggregatedStatusSnapshot) Validate() error {
	if s.SlotsTotal < 0 {
		return fmt.Errorf("negative slots_total: %d", s.SlotsTotal)
	}
	if s.SlotsBusy < 0 {
		return fmt.Errorf("negative slots_busy: %d", s.SlotsBusy)
	}
	if s.QueuedRequests < 0 {
		return fmt.Errorf("negative queued_requests: %d", s.QueuedRequests)
	}
	return nil
}

func (s SlotAggregatedStatusSnapshot) IsOverCapacity() bool {
	return s.SlotsBusy > s.SlotsTotal
}

func (s SlotAggregatedStatusSnapshot) SlotsIdle() int {
	if s.IsOverCapacity() {
		return 0
	}
	return s.SlotsTotal - s.SlotsBusy
}

type AgentSnapshot struct {
	ID           string                       `json:"id"`
	Name         string                       `json:"name,omitempty"`
	Status       SlotAggregatedStatusSnapshot `json:"slot_aggregated_status_snapshot"`
	DesiredState DesiredState                 `json:"desired_state"`
	RegisteredAt time.Time                    `json:"registered_at"`
}

type FleetSnapshot struct {
	Agents         []AgentSnapshot `json:"agents"`
	AgentCount     int             `json:"agent_count"`
	SlotsTotal     int             `json:"slots_total"`
	SlotsBusy      int             `json:"slots_busy"`
	QueuedRequests int             `json:"queued_requests"`
	TakenAt        time.Time       `json:"taken_at"`
}

func NewFleetSnapshot(agents []AgentSnapshot, takenAt time.Time) FleetSnapshot {
	if agents == nil {
		agents = []AgentSnapshot{}
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].ID < agents[j].ID
	})

	return FleetSnapshot{
		Agents:         agents,
		AgentCount:     len(agents),
		SlotsTotal:     lo.SumBy(agents, func(a AgentSnapshot) int { return a.Status.SlotsTotal }),
		SlotsBusy:      lo.SumBy(agents, func(a AgentSnapshot) int { return a.Status.SlotsBusy }),
		QueuedRequests: lo.SumBy(agents, func(a AgentSnapshot) int { return a.Status.QueuedRequests }),
		TakenAt:        takenAt,
	}
}

func (s FleetSnapshot) Lookup(id string) (AgentSnapshot, bool) {
	return lo.Find(s.Agents, func(a AgentSnapshot) bool { return a.ID == id })
}

// SnapshotProducer yields a fleet-wide view on demand.
type SnapshotProducer interface {
	MakeSnapshot() (FleetSnapshot, error)
}

type SnapshotProducerFunc func() (FleetSnapshot, error)

func (f SnapshotProducerFunc) MakeSnapshot() (FleetSnapshot, error) {
	return f()
}

// Aggregate merges the snapshots of several producers into one view. It fails
// if any producer fails.
func Aggregate(producers ...SnapshotProducer) SnapshotProducer {
	return SnapshotProducerFunc(func() (FleetSnapshot, error) {
		var agents []AgentSnapshot
		takenAt := time.Time{}
		for _, p := range producers {
			s, err := p.MakeSnapshot()
			if err != nil {
				return FleetSnapshot{}, err
			}
			agents = append(agents, s.Agents...)
			if s.TakenAt.After(takenAt) {
				takenAt = s.TakenAt
			}
		}
		return NewFleetSnapshot(agents, takenAt), nil
	})
}
