// Package retry runs an operation with bounded, predicate-gated retries.
//
// A Policy allows at most MaxRetries+1 attempts. After a failure the
// predicate decides whether to try again; the pause is fixed (Delay) or
// computed per retry (Backoff, for example Linear). The operation receives a
// Control whose PreventRetries makes the current attempt the last one, and
// RunControlled lets the caller hold that Control too.
//
// OnUnauthorized is the predicate used around adapter calls: it retries
// authorization failures only, and invalidates the cached session before
// each retry so the next attempt logs in again.
package retry
