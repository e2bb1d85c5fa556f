package supervisor

import "fmt"

// State is a plugin handle's lifecycle state.
type State string

const (
	StateUnloaded State = "UNLOADED"
	StateLoading  State = "LOADING"
	StateReady    State = "READY"
	StateFailed   State = "FAILED"
	StateStopping State = "STOPPING"
)

// transitions lists the legal moves out of each state. Crashes move LOADING
// and READY straight to UNLOADED.
var transitions = map[State][]State{
	StateUnloaded: {StateLoading},
	StateLoading:  {StateReady, StateFailed, StateUnloaded},
	StateReady:    {StateStopping, StateUnloaded},
	StateFailed:   {StateUnloaded},
	StateStopping: {StateUnloaded},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid lifecycle transition %s -> %s", from, to)
	}
	return nil
}
