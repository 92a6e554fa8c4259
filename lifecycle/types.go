package lifecycle

import (
	"strings"

	"matflow/material"
)

// Action is an operator request against a run.
type Action string

const (
	ActionStart  Action = "Start"
	ActionPause  Action = "Pause"
	ActionResume Action = "Resume"
	ActionEnd    Action = "End"
)

// ParseAction accepts action names case-insensitively.
func ParseAction(s string) (Action, error) {
	for _, a := range []Action{ActionStart, ActionPause, ActionResume, ActionEnd} {
		if strings.EqualFold(strings.TrimSpace(s), string(a)) {
			return a, nil
		}
	}
	return "", material.Validationf("unknown action %q", s)
}

// validTransitions defines the target status of each action per status.
var validTransitions = map[material.RunStatus]map[Action]material.RunStatus{
	material.StatusNotStarted: {ActionStart: material.StatusInProcess},
	material.StatusInProcess: {
		ActionPause: material.StatusStopped,
		ActionEnd:   material.StatusCompleted,
	},
	material.StatusStopped: {
		ActionResume: material.StatusInProcess,
		ActionEnd:    material.StatusCompleted,
	},
}

// Next returns the status action leads to from status.
func Next(status material.RunStatus, action Action) (material.RunStatus, bool) {
	to, ok := validTransitions[status][action]
	return to, ok
}

// IsTerminal returns true if no action leads out of status.
func IsTerminal(status material.RunStatus) bool {
	return len(validTransitions[status]) == 0
}
