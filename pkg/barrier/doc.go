/*
Package barrier provides counting barriers that fan N concurrent units of
work back into a single completion signal.

	id, err := registry.Create(len(containers), func(err error) {
		if err != nil {
			engine.Send(taskID, types.SubStageError, task.Patch{FailureMessage: err.Error()})
			return
		}
		engine.Send(taskID, removal.SubStageInstancesRemoved, task.Patch{})
	})

	for _, c := range containers {
		go func(c *types.Container) {
			registry.Complete(id, deleteContainer(ctx, c))
		}(c)
	}

Each unit calls Complete exactly once, including units that were skipped.
The counter is decremented atomically and the unit that observes it reach
zero invokes the callback; no other unit does. The first error reported is
kept and passed to the callback. Later errors are logged and dropped.

A barrier is removed from its Registry just before its callback runs, so
completing it again returns ErrUnknownBarrier.
*/
package barrier
