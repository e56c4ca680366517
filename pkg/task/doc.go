/*
Package task implements Admiral's workflow engine.

A workflow is described by a Definition: an ordered list of sub-stages,
the transitions allowed between them and a Handler per sub-stage. Every
task document is owned by a single actor goroutine that applies
transition messages one at a time:

	engine.Register(&task.Definition{
		Kind:   "removal",
		Stages: []types.SubStage{types.SubStageCreated, removing, types.SubStageCompleted, types.SubStageError},
		Transitions: map[types.SubStage][]types.SubStage{
			types.SubStageCreated: {removing, types.SubStageError},
			removing:              {types.SubStageCompleted, types.SubStageError},
		},
		Handlers: handlers,
	})

	id, err := engine.Create(ctx, task.CreateRequest{Kind: "removal", ResourceLinks: links})

# Transitions

A message naming a sub-stage at or before the task's current one is a
replay: the task is left untouched and Advance reports Applied=false. A
message for a later sub-stage not listed in the transition table is
rejected with ErrIllegalTransition. Once a task is FINISHED, FAILED or
CANCELLED every message is a replay.

The handler for a sub-stage runs after the transition is persisted.
Handlers move their task along with Context.Proceed, which queues a new
message behind the current one, and may fan work out through
Context.NewBarrier.

# Restart

Sub-stages listed as Transient are never recorded in ResumeSubStage.
Resume re-enters ResumeSubStage for every unfinished task and cancels
tasks whose expiration has passed.

# Callbacks

A task created with a Callback notifies its parent when it terminates.
Notifications travel over an in-process watermill channel and arrive at
the parent as ordinary transition messages.
*/
package task
