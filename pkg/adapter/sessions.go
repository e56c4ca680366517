package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/enascvm/admiral/pkg/ttlcache"
	"github.com/google/uuid"
)

// DefaultSessionTTL is how long a host session is reused before logging in again
const DefaultSessionTTL = 12 * time.Hour

// Sessions caches one session per endpoint. Concurrent misses for the same
// endpoint share a single login.
type Sessions struct {
	auth  Authenticator
	cache *ttlcache.Cache[*Session]
}

// NewSessions creates a session cache backed by auth
func NewSessions(auth Authenticator, cfg ttlcache.Config) *Sessions {
	if cfg.Name == "" {
		cfg.Name = "sessions"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	return &Sessions{
		auth:  auth,
		cache: ttlcache.New[*Session](cfg),
	}
}

// Get returns the cached session for endpoint, logging in on a miss
func (s *Sessions) Get(ctx context.Context, endpoint string) (*Session, error) {
	session, err := s.cache.GetOrCompute(ctx, endpoint, func(ctx context.Context) (*Session, error) {
		return s.auth.Login(ctx, endpoint)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain session for %s: %w", endpoint, err)
	}
	return session, nil
}

// Invalidate drops the session for endpoint so the next Get logs in again
func (s *Sessions) Invalidate(endpoint string) {
	s.cache.Invalidate(endpoint)
}

// Len returns the number of cached sessions
func (s *Sessions) Len() int {
	return s.cache.Len()
}

// Start begins the periodic expiry sweep
func (s *Sessions) Start() {
	s.cache.Start()
}

// Stop ends the expiry sweep
func (s *Sessions) Stop() {
	s.cache.Stop()
}

// LocalAuthenticator issues sessions for endpoints reached over a local
// socket, where no credentials are exchanged
type LocalAuthenticator struct {
	TTL time.Duration
	Now func() time.Time
}

// Login returns a fresh local session
func (a LocalAuthenticator) Login(ctx context.Context, endpoint string) (*Session, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	ttl := a.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Session{
		Endpoint:  endpoint,
		Token:     uuid.NewString(),
		ExpiresAt: now().Add(ttl),
	}, nil
}
