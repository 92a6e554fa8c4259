package lifecycle

import (
	"matflow/material"
	"matflow/store"
)

// EventEmitter receives lifecycle events.
type EventEmitter interface {
	EmitRunTransitioned(run *material.Run, t *store.Transition)
	EmitOperatorChanged(runID, operator string, joined bool)
	EmitMovementCommitted(mv *material.Movement)
	EmitLineClosed(c *store.Closure, mvs []*material.Movement)
}
