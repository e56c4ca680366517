package task

import (
	"fmt"

	"github.com/enascvm/admiral/pkg/types"
)

// Handler runs after a task has durably entered a sub-stage. A returned
// error fails the task.
type Handler func(tc *Context) error

// Definition describes one workflow: its sub-stages, the transitions
// between them and the handler run on entering each one.
type Definition struct {
	Kind string

	// Stages lists every sub-stage in progress order. It starts with
	// SubStageCreated and ends with the terminal sub-stages. A transition
	// message for a sub-stage at or before the current one is a replay.
	Stages []types.SubStage

	// Transitions lists the allowed targets of each non-terminal sub-stage
	Transitions map[types.SubStage][]types.SubStage

	// Transient sub-stages are never resumed from after a restart
	Transient []types.SubStage

	Handlers map[types.SubStage]Handler

	order     map[types.SubStage]int
	transient map[types.SubStage]bool
}

// IsTerminalSubStage reports whether sub ends the workflow
func IsTerminalSubStage(sub types.SubStage) bool {
	return sub == types.SubStageCompleted || sub == types.SubStageError
}

// Validate checks the transition table and prepares lookup indexes
func (d *Definition) Validate() error {
	if d.Kind == "" {
		return fmt.Errorf("definition has no kind")
	}
	if len(d.Stages) == 0 || d.Stages[0] != types.SubStageCreated {
		return fmt.Errorf("%s: first sub-stage must be %s", d.Kind, types.SubStageCreated)
	}

	d.order = make(map[types.SubStage]int, len(d.Stages))
	seenTerminal := false
	for i, s := range d.Stages {
		if _, dup := d.order[s]; dup {
			return fmt.Errorf("%s: duplicate sub-stage %s", d.Kind, s)
		}
		if IsTerminalSubStage(s) {
			seenTerminal = true
		} else if seenTerminal {
			return fmt.Errorf("%s: sub-stage %s listed after a terminal sub-stage", d.Kind, s)
		}
		d.order[s] = i
	}
	for _, s := range []types.SubStage{types.SubStageCompleted, types.SubStageError} {
		if _, ok := d.order[s]; !ok {
			return fmt.Errorf("%s: missing terminal sub-stage %s", d.Kind, s)
		}
	}

	for from, targets := range d.Transitions {
		fi, ok := d.order[from]
		if !ok {
			return fmt.Errorf("%s: transition from unknown sub-stage %s", d.Kind, from)
		}
		if IsTerminalSubStage(from) {
			return fmt.Errorf("%s: terminal sub-stage %s has outgoing transitions", d.Kind, from)
		}
		for _, to := range targets {
			ti, ok := d.order[to]
			if !ok {
				return fmt.Errorf("%s: transition %s -> unknown sub-stage %s", d.Kind, from, to)
			}
			if ti <= fi {
				return fmt.Errorf("%s: transition %s -> %s moves backwards", d.Kind, from, to)
			}
		}
	}
	for _, s := range d.Stages {
		if IsTerminalSubStage(s) {
			continue
		}
		if !d.allows(s, types.SubStageError) {
			return fmt.Errorf("%s: sub-stage %s cannot fail to %s", d.Kind, s, types.SubStageError)
		}
	}

	d.transient = make(map[types.SubStage]bool, len(d.Transient))
	for _, s := range d.Transient {
		if _, ok := d.order[s]; !ok {
			return fmt.Errorf("%s: unknown transient sub-stage %s", d.Kind, s)
		}
		if s == types.SubStageCreated || IsTerminalSubStage(s) {
			return fmt.Errorf("%s: sub-stage %s cannot be transient", d.Kind, s)
		}
		d.transient[s] = true
	}

	for s := range d.Handlers {
		if _, ok := d.order[s]; !ok {
			return fmt.Errorf("%s: handler for unknown sub-stage %s", d.Kind, s)
		}
	}
	return nil
}

func (d *Definition) allows(from, to types.SubStage) bool {
	for _, t := range d.Transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (d *Definition) index(s types.SubStage) (int, bool) {
	i, ok := d.order[s]
	return i, ok
}

func (d *Definition) isTransient(s types.SubStage) bool {
	return d.transient[s]
}
