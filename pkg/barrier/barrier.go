package barrier

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownBarrier is returned for a barrier id that was never created
	// or has already fired
	ErrUnknownBarrier = errors.New("unknown barrier")

	// ErrInvalidCount is returned when a barrier is created for fewer than
	// one unit
	ErrInvalidCount = errors.New("barrier count must be at least 1")
)

// Callback is invoked once when the last unit completes. err is the first
// error reported by any unit, or nil.
type Callback func(err error)

// Barrier waits for a fixed number of unit completions
type Barrier struct {
	id        string
	total     int64
	remaining atomic.Int64
	firstErr  atomic.Pointer[error]
	callback  Callback
	onFire    func(*Barrier)
	logger    zerolog.Logger
}

// ID returns the barrier id
func (b *Barrier) ID() string {
	return b.id
}

// Remaining returns the number of completions still expected
func (b *Barrier) Remaining() int64 {
	return b.remaining.Load()
}

// Complete records one finished unit. The unit that brings the count to
// zero, and only that unit, invokes the callback.
func (b *Barrier) Complete(err error) error {
	if err != nil && !b.firstErr.CompareAndSwap(nil, &err) {
		b.logger.Warn().Err(err).Msg("Barrier unit failed after an earlier failure")
	}

	left := b.remaining.Add(-1)
	switch {
	case left > 0:
		return nil
	case left < 0:
		return fmt.Errorf("barrier %s completed more than %d times", b.id, b.total)
	}

	if b.onFire != nil {
		b.onFire(b)
	}
	var first error
	if p := b.firstErr.Load(); p != nil {
		first = *p
	}
	b.callback(first)
	return nil
}

// New creates a standalone barrier for n units
func New(n int, callback Callback) (*Barrier, error) {
	if n < 1 {
		return nil, ErrInvalidCount
	}
	b := &Barrier{
		id:       uuid.NewString(),
		total:    int64(n),
		callback: callback,
	}
	b.remaining.Store(int64(n))
	b.logger = log.WithComponent("barrier").With().Str("barrier_id", b.id).Logger()
	return b, nil
}

// Registry keeps active barriers addressable by id
type Registry struct {
	mu       sync.Mutex
	barriers map[string]*Barrier
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		barriers: make(map[string]*Barrier),
	}
}

// Create registers a barrier for n units and returns its id. The barrier
// is removed from the registry just before its callback runs.
func (r *Registry) Create(n int, callback Callback) (string, error) {
	b, err := New(n, callback)
	if err != nil {
		return "", err
	}
	b.onFire = r.remove

	r.mu.Lock()
	r.barriers[b.id] = b
	r.mu.Unlock()
	metrics.BarriersActive.Inc()
	return b.id, nil
}

// Complete records one finished unit of the barrier id
func (r *Registry) Complete(id string, err error) error {
	r.mu.Lock()
	b, ok := r.barriers[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBarrier, id)
	}
	return b.Complete(err)
}

// Len returns the number of barriers still waiting
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.barriers)
}

func (r *Registry) remove(b *Barrier) {
	r.mu.Lock()
	delete(r.barriers, b.id)
	r.mu.Unlock()
	metrics.BarriersActive.Dec()
}
