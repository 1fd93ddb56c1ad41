// Package statemachine owns the legal task status transitions, persists them under a
// row lock and recomputes the owning job's aggregate status.
package statemachine

import (
	"github.com/jonathan/agent-orchestrator/internal/types"
)

var allowedTransitions = map[types.TaskStatus]map[types.TaskStatus]struct{}{
	types.TaskPending: {
		types.TaskQueued:    {},
		types.TaskCancelled: {},
		types.TaskSkipped:   {},
		types.TaskFailed:    {},
	},
	types.TaskQueued: {
		types.TaskRunning:   {},
		types.TaskCancelled: {},
		types.TaskSkipped:   {},
		types.TaskFailed:    {},
	},
	types.TaskRunning: {
		types.TaskSuccess:   {},
		types.TaskFailed:    {},
		types.TaskCancelled: {},
		types.TaskSkipped:   {},
	},
	// manual retry re-enters the queue
	types.TaskFailed: {
		types.TaskQueued:    {},
		types.TaskCancelled: {},
	},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to types.TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Allowed lists the statuses reachable from s in lifecycle order.
func Allowed(s types.TaskStatus) []types.TaskStatus {
	var out []types.TaskStatus
	for _, to := range types.AllTaskStatuses {
		if CanTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}

// ValidateTransition returns an IllegalTransitionError for a move outside the table.
func ValidateTransition(task *types.Task, to types.TaskStatus) error {
	if CanTransition(task.Status, to) {
		return nil
	}
	return &types.IllegalTransitionError{
		Entity: "task",
		ID:     task.ID.String(),
		From:   string(task.Status),
		To:     string(to),
	}
}
