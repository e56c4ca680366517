/*
Package ttlcache provides expiring caches with single-flight loading and
advisory TTL locks.

# Cache

Cache[V] maps keys to values that expire after a fixed TTL. GetOrCompute
returns a live value or runs the loader; concurrent callers for the same
key share one loader invocation through golang.org/x/sync/singleflight:

	sessions := ttlcache.New[*adapter.Session](ttlcache.Config{
		Name:                "sessions",
		TTL:                 12 * time.Hour,
		MaintenanceInterval: 10 * time.Second,
	})
	sessions.Start()
	defer sessions.Stop()

	s, err := sessions.GetOrCompute(ctx, endpointID, func(ctx context.Context) (*adapter.Session, error) {
		return auth.Login(ctx, endpointID)
	})

Invalidate drops an entry, for example after the remote side rejected a
session. A load that was already running when Invalidate was called still
answers its waiting callers but is not stored.

The periodic sweep removes entries whose remaining lifetime is below
ExpiryMargin (twice the maintenance interval unless configured), so a value
handed out is never within one sweep of lapsing.

# Locks

Locker is the interface for per-owner mutual exclusion with a TTL:

  - LockTable keeps locks in process memory
  - RedisLocker keeps them in Redis (SET NX PX) so that several managers
    share them

A lock whose TTL has passed is free again even if Release was never called.
TryAcquire hands out a token per acquisition and Release only removes the
lock while that token still holds it, so a holder that overran its TTL
cannot free the lock of the holder that took over:

	token, ok, err := locks.TryAcquire(ctx, "volumes/"+hostID, 5*time.Minute)
	if err != nil || !ok {
		return err
	}
	defer locks.Release(context.WithoutCancel(ctx), "volumes/"+hostID, token)

LockTable.Sweep drops expired entries; the reconciler calls it on every
tick of its loop.
*/
package ttlcache
