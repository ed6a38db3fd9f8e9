// Package lifecycle implements the migration lane state machine.
package lifecycle

import (
	"fmt"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// Transition table: from -> allowed tos. FAILED is reachable from every
// non-terminal state; UPLOADING and ADVANCING ping-pong per record.
var validTransitions = map[types.LaneState][]types.LaneState{
	types.LaneIdle:           {types.LaneAuthenticating, types.LaneFailed},
	types.LaneAuthenticating: {types.LaneFetching, types.LaneFailed},
	types.LaneFetching:       {types.LaneTransforming, types.LaneFailed},
	types.LaneTransforming:   {types.LaneUploading, types.LaneDone, types.LaneFailed},
	types.LaneUploading:      {types.LaneAdvancing, types.LaneDone, types.LaneFailed},
	types.LaneAdvancing:      {types.LaneUploading, types.LaneDone, types.LaneFailed},
	types.LaneDone:           {},
	types.LaneFailed:         {},
}

// CanTransition checks if transitioning from one lane state to another is valid.
func CanTransition(from, to types.LaneState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates the move, returning an error if the transition is invalid.
func Transition(from, to types.LaneState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid lane transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the lane state is final.
func IsTerminal(state types.LaneState) bool {
	return state == types.LaneDone || state == types.LaneFailed
}
