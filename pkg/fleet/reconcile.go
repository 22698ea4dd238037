package fleet

type CommandKind string

const (
	CommandDrain CommandKind = "drain"
	CommandStop  CommandKind = "stop"
)

type Command struct {
	Kind CommandKind
}

func (c Command) TargetState() DesiredState {
	switch c.Kind {
	case CommandDrain:
		return DesiredStateDraining
	case CommandStop:
		return DesiredStateStopped
	default:
		panic("unreachable")
	}
}

// Reconcile compares a freshly reported status with the desired state and
// returns the correction to issue, if any.
func Reconcile(status SlotAggregatedStatusSnapshot, desired DesiredState) *Command {
	switch desired {
	case DesiredStateDraining:
		if status.SlotsBusy == 0 {
			return &Command{Kind: CommandStop}
		}
	case DesiredStateActive:
		// more busy slots than declared ones
		if status.IsOverCapacity() {
			return &Command{Kind: CommandDrain}
		}
	}
	return nil
}
