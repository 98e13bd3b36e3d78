// Package runctl is the per-(user, digest_date) run controller: its state
// machine, watermark persistence, rebuild-window skip logic, and the
// bounded worker pool that fans normalization out per message.
package runctl

import "fmt"

// State is one stage of a run's state machine.
type State string

const (
	StateIdle         State = "IDLE"
	StateFetching     State = "FETCHING"
	StateNormalizing  State = "NORMALIZING"
	StateExtracting   State = "EXTRACTING"
	StateLLMCalling   State = "LLM_CALLING"
	StateCiting       State = "CITING"
	StateRanking      State = "RANKING"
	StateAssembling   State = "ASSEMBLING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// order fixes the forward path; FAILED is reachable from every non-terminal
// state and is handled separately below.
var order = []State{
	StateIdle, StateFetching, StateNormalizing, StateExtracting,
	StateLLMCalling, StateCiting, StateRanking, StateAssembling, StateDone,
}

func indexOf(s State) int {
	for i, v := range order {
		if v == s {
			return i
		}
	}
	return -1
}

// Transition validates a state-machine edge: forward one step along order,
// or from any non-terminal state to FAILED. It rejects skips, backward
// moves, and any transition out of a terminal state.
func Transition(from, to State) error {
	if from == StateDone || from == StateFailed {
		return fmt.Errorf("runctl: %s is terminal, cannot transition to %s", from, to)
	}
	if to == StateFailed {
		return nil
	}
	fi, ti := indexOf(from), indexOf(to)
	if fi < 0 || ti < 0 {
		return fmt.Errorf("runctl: unknown state in transition %s -> %s", from, to)
	}
	if ti != fi+1 {
		return fmt.Errorf("runctl: invalid transition %s -> %s", from, to)
	}
	return nil
}
