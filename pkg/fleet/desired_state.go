package fleet

import "fmt"

type DesiredState string

const (
	DesiredStateActive   DesiredState = "active"
	DesiredStateDraining DesiredState = "draining"
	DesiredStateStopped  DesiredState = "stopped"
)

var desiredStates = []DesiredState{DesiredStateActive, DesiredStateDraining, DesiredStateStopped}

func ParseDesiredState(s string) (DesiredState, error) {
	state := DesiredState(s)
	if !state.IsValid() {
		return "", fmt.Errorf("invalid desired state: %q", s)
	}
	return state, nil
}

func (s DesiredState) IsValid() bool {
	switch s {
	case DesiredStateActive, DesiredStateDraining, DesiredStateStopped:
		return true
	}
	return false
}

func (s *DesiredState) UnmarshalText(text []byte) error {
	state, err := ParseDesiredState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}
