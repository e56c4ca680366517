package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/enascvm/admiral/pkg/types"
	"github.com/rs/zerolog"
)

// Context is handed to a workflow handler. Task is a snapshot taken when
// the sub-stage was entered; handlers never mutate the stored document
// directly and instead move the task along with Proceed or Fail.
type Context struct {
	context.Context

	Task   *types.Task
	Logger zerolog.Logger

	engine *Engine
}

// Proceed asks the task to move to sub. The message is queued behind the
// current handler, so it is safe to call from inside one.
func (tc *Context) Proceed(sub types.SubStage, patch Patch) {
	tc.engine.Send(tc.Task.ID, sub, patch)
}

// Fail moves the task to the error sub-stage
func (tc *Context) Fail(msg string, cause error) {
	tc.engine.Fail(tc.Task.ID, msg, cause)
}

// NewBarrier creates a barrier of n units. Once every unit completes the
// task proceeds to onSuccess, or to onFailure carrying the first error.
func (tc *Context) NewBarrier(n int, onSuccess, onFailure types.SubStage) (string, error) {
	id := tc.Task.ID
	return tc.engine.barriers.Create(n, func(err error) {
		if err != nil {
			tc.engine.Send(id, onFailure, Patch{FailureMessage: err.Error()})
			return
		}
		tc.engine.Send(id, onSuccess, Patch{})
	})
}

// CompleteUnit records the outcome of one unit of a barrier
func (tc *Context) CompleteUnit(barrierID string, err error) {
	if cerr := tc.engine.barriers.Complete(barrierID, err); cerr != nil {
		tc.Logger.Error().Err(cerr).Str("barrier_id", barrierID).Msg("Failed to complete barrier unit")
	}
}

// DecodeData unmarshals the task's workflow data into v
func (tc *Context) DecodeData(v interface{}) error {
	if len(tc.Task.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(tc.Task.Data, v); err != nil {
		return fmt.Errorf("failed to decode task data: %w", err)
	}
	return nil
}

// Go runs fn in the background, bound to the engine's lifetime
func (tc *Context) Go(fn func(ctx context.Context)) {
	tc.engine.wg.Add(1)
	go func() {
		defer tc.engine.wg.Done()
		fn(tc.Context)
	}()
}

// Engine returns the engine running the handler, for creating child tasks
func (tc *Context) Engine() *Engine {
	return tc.engine
}
