package workload

// State is the lifecycle state of a managed workload.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// validEdges is the closed set of legal transitions. Anything else is a
// programming error and is refused by the lifecycle manager.
var validEdges = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateCrashed, StateStopping},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped},
	StateCrashed:  {StateStarting},
}

// CanTransition reports whether from→to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, s := range validEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the state implies a live (or soon live) process,
// i.e. the states in which a PID must be recorded.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

func (s State) String() string { return string(s) }
