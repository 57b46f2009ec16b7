package classify

// State is a step of the batch runner's lifecycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateWriting
	StateDone
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateFetching:   "fetching",
	StateProcessing: "processing",
	StateWriting:    "writing",
	StateDone:       "done",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Idle -> Fetching -> Processing -> Writing -> (Fetching | Done).
// Fetching may also end the run: empty page, limit reached, fetch failure.
var transitions = map[State][]State{
	StateIdle:       {StateFetching},
	StateFetching:   {StateProcessing, StateDone},
	StateProcessing: {StateWriting},
	StateWriting:    {StateFetching, StateDone},
	StateDone:       {},
}

// CanTransition reports whether the runner may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
