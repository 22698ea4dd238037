package session

import "github.com/oursky/inference-balancer/pkg/fleet"

type State string

const (
	StateConnecting State = "connecting"
	StateRegistered State = "registered"
	StateActive     State = "active"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
)

func (s State) isRegistered() bool {
	return s == StateActive || s == StateDraining
}

func stateFor(desired fleet.DesiredState) State {
	if desired == fleet.DesiredStateActive {
		return StateActive
	}
	return StateDraining
}
