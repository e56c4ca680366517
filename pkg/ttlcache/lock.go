package ttlcache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker grants advisory, self-expiring mutual exclusion per owner id
type Locker interface {
	// TryAcquire takes the lock for ownerID if it is free or expired. The
	// token identifies this acquisition and is empty when ok is false.
	TryAcquire(ctx context.Context, ownerID string, ttl time.Duration) (token string, ok bool, err error)
	// Release frees the lock for ownerID if token still holds it. Releasing
	// a free lock, or one taken over after expiry, is a no-op.
	Release(ctx context.Context, ownerID, token string) error
}

type lockEntry struct {
	token    string
	deadline time.Time
}

// LockTable is an in-process Locker. A lock whose deadline has passed is
// free again without an explicit release.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]lockEntry
	now     func() time.Time
}

// NewLockTable creates an empty lock table
func NewLockTable() *LockTable {
	return &LockTable{
		entries: make(map[string]lockEntry),
		now:     time.Now,
	}
}

// WithClock overrides the clock, for tests
func (l *LockTable) WithClock(now func() time.Time) *LockTable {
	l.now = now
	return l
}

func (l *LockTable) TryAcquire(ctx context.Context, ownerID string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[ownerID]; ok && now.Before(e.deadline) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.entries[ownerID] = lockEntry{token: token, deadline: now.Add(ttl)}
	return token, true, nil
}

func (l *LockTable) Release(ctx context.Context, ownerID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[ownerID]; ok && e.token == token {
		delete(l.entries, ownerID)
	}
	return nil
}

// Sweep drops expired locks and returns how many were dropped
func (l *LockTable) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for owner, e := range l.entries {
		if !now.Before(e.deadline) {
			delete(l.entries, owner)
			removed++
		}
	}
	return removed
}

// Len returns the number of lock entries, expired or not
func (l *LockTable) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
