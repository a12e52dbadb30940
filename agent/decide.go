package agent

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentloop/toolrule"
	"github.com/BaSui01/agentloop/types"
)

// Decision is the continuation outcome of one step. HeartbeatReason, when
// set, becomes the next turn's synthetic user content explaining why the
// loop continued against the model's own signal.
type Decision struct {
	ShouldContinue  bool
	StopReason      types.StopReason
	HeartbeatReason string
}

// DecideContinuation computes a step's continue/stop outcome from in-memory
// values only. It performs no I/O and reads no clock, so the durable-workflow
// controller can call it verbatim during replay.
//
// Precedence: a rule violation always continues; a terminal tool always
// stops (a simultaneous heartbeat request is recorded as a tool_rule stop
// rather than honored); child and continue rules force continuation; the
// max-steps boundary overrides any continue; uncalled required-before-exit
// tools override a normal end of turn.
func DecideContinuation(solver *toolrule.Solver, toolName string, requestHeartbeat, ruleViolation bool, remainingTurns int, availableTools []string) Decision {
	var d Decision

	switch {
	case ruleViolation:
		d.ShouldContinue = true
		d.HeartbeatReason = fmt.Sprintf("Your call to %s violated the active tool rules. Review the allowed tools and try again.", toolName)
	case solver.IsTerminalTool(toolName):
		d.ShouldContinue = false
		if requestHeartbeat {
			d.StopReason = types.StopReasonToolRule
		} else {
			d.StopReason = types.StopReasonEndTurn
		}
	case solver.HasChildrenTools(toolName):
		d.ShouldContinue = true
		d.HeartbeatReason = fmt.Sprintf("Continuing: %s has dependent follow-up tools.", toolName)
	case solver.IsContinueTool(toolName):
		d.ShouldContinue = true
		d.HeartbeatReason = fmt.Sprintf("Continuing: %s never ends the turn.", toolName)
	default:
		d.ShouldContinue = requestHeartbeat
		if !requestHeartbeat {
			d.StopReason = types.StopReasonEndTurn
		}
	}

	if d.ShouldContinue && remainingTurns <= 0 {
		return Decision{ShouldContinue: false, StopReason: types.StopReasonMaxSteps}
	}

	if !d.ShouldContinue && d.StopReason == types.StopReasonEndTurn {
		if uncalled := solver.GetUncalledRequiredTools(availableTools); len(uncalled) > 0 {
			return Decision{
				ShouldContinue: true,
				HeartbeatReason: fmt.Sprintf("You cannot end your turn yet: you must still call %s.",
					strings.Join(uncalled, ", ")),
			}
		}
	}
	return d
}
