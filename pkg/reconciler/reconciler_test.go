package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/enascvm/admiral/pkg/adapter"
	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/ttlcache"
	"github.com/enascvm/admiral/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVolumes struct {
	mu           sync.Mutex
	inventory    map[string][]adapter.ExternalVolume
	details      map[string]*adapter.VolumeDetail
	listErr      error
	onList       func(hostID string)
	inspectErrs  []error
	inspectCalls int
}

func newFakeVolumes() *fakeVolumes {
	return &fakeVolumes{
		inventory: make(map[string][]adapter.ExternalVolume),
		details:   make(map[string]*adapter.VolumeDetail),
	}
}

func (f *fakeVolumes) set(hostID string, volumes ...adapter.ExternalVolume) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory[hostID] = volumes
}

func (f *fakeVolumes) ListVolumes(ctx context.Context, s *adapter.Session, hostID string) ([]adapter.ExternalVolume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.onList != nil {
		f.onList(hostID)
	}
	return append([]adapter.ExternalVolume(nil), f.inventory[hostID]...), nil
}

func (f *fakeVolumes) InspectVolume(ctx context.Context, s *adapter.Session, hostID, name string) (*adapter.VolumeDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectCalls++
	if len(f.inspectErrs) > 0 {
		err := f.inspectErrs[0]
		f.inspectErrs = f.inspectErrs[1:]
		return nil, err
	}
	if d, ok := f.details[name]; ok {
		return d, nil
	}
	return nil, fault.NotFound("no such volume", nil)
}

func (f *fakeVolumes) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspectCalls
}

type fixture struct {
	store   storage.Store
	volumes *fakeVolumes
	locks   *ttlcache.LockTable
	rec     *Reconciler
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		volumes: newFakeVolumes(),
		locks:   ttlcache.NewLockTable(),
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	sessions := adapter.NewSessions(adapter.LocalAuthenticator{}, ttlcache.Config{Name: "test-sessions"})
	f.rec = NewReconciler(store, f.volumes, sessions, f.locks, nil, Config{
		MissingThreshold:  3,
		RetiredExpiration: 5 * time.Hour,
		InspectRetries:    3,
		InspectInterval:   time.Millisecond,
		Now:               func() time.Time { return f.now },
	})

	t.Cleanup(func() {
		f.rec.Stop()
		store.Close()
	})
	return f
}

func (f *fixture) seed(t *testing.T, v *types.Volume) {
	t.Helper()
	require.NoError(t, storage.Save(f.store, storage.KindVolume, v.ID, v))
}

func (f *fixture) volume(t *testing.T, id string) *types.Volume {
	t.Helper()
	v, _, err := storage.Load[types.Volume](f.store, storage.KindVolume, id)
	require.NoError(t, err)
	return v
}

func (f *fixture) reconcile(t *testing.T, hostID string) Result {
	t.Helper()
	res, err := f.rec.ReconcileNow(context.Background(), hostID)
	require.NoError(t, err)
	return res
}

func TestDiscoverNewVolume(t *testing.T) {
	f := newFixture(t)
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "data", Driver: "local"})
	f.volumes.details["data"] = &adapter.VolumeDetail{
		Name:       "data",
		Driver:     "local",
		Scope:      types.VolumeScopeLocal,
		Mountpoint: "/var/lib/volumes/data",
		Options:    map[string]string{"size": "10G"},
	}

	res := f.reconcile(t, "host-1")
	assert.Equal(t, 1, res.Discovered)

	v := f.volume(t, "data")
	assert.True(t, v.External)
	assert.Equal(t, []string{"host-1"}, v.ParentLinks)
	assert.Equal(t, "host-1", v.OriginatingHost)
	assert.Equal(t, types.PowerStateConnected, v.PowerState)
	require.NotEmpty(t, v.DescriptionLink)

	_, err := f.store.Get(storage.KindVolumeDescription, v.DescriptionLink)
	assert.NoError(t, err, "description record is created alongside the volume")

	require.Eventually(t, func() bool {
		return f.volume(t, "data").Mountpoint == "/var/lib/volumes/data"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "10G", f.volume(t, "data").Options["size"])

	// A second pass finds nothing new
	res = f.reconcile(t, "host-1")
	assert.Equal(t, Result{}, res)
}

func TestInspectRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "data", Driver: "local"})
	f.volumes.inspectErrs = []error{
		fault.Transient("timeout", nil),
		fault.Transient("timeout", nil),
	}
	f.volumes.details["data"] = &adapter.VolumeDetail{Name: "data", Driver: "local", Mountpoint: "/mnt/data"}

	f.reconcile(t, "host-1")

	require.Eventually(t, func() bool {
		return f.volume(t, "data").Mountpoint == "/mnt/data"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, f.volumes.calls())
}

func TestInspectStopsOnNotFound(t *testing.T) {
	f := newFixture(t)
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "gone", Driver: "local"})

	f.reconcile(t, "host-1")
	require.Eventually(t, func() bool { return f.volumes.calls() > 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, f.volumes.calls())
	assert.Empty(t, f.volume(t, "gone").Mountpoint)
}

func TestMissingVolumeIsRetiredThenDeleted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Volume{
		ID:              "old",
		Name:            "old",
		Driver:          "local",
		Scope:           types.VolumeScopeLocal,
		ParentLinks:     []string{"host-1"},
		OriginatingHost: "host-1",
		PowerState:      types.PowerStateConnected,
	})

	res := f.reconcile(t, "host-1")
	assert.Equal(t, 1, res.Retired)
	v := f.volume(t, "old")
	assert.Equal(t, 1, v.MissingCount)
	assert.Equal(t, types.PowerStateRetired, v.PowerState)
	assert.Equal(t, f.now.Add(5*time.Hour), v.ExpiresAt)

	res = f.reconcile(t, "host-1")
	assert.Equal(t, 1, res.Retired)
	assert.Equal(t, 2, f.volume(t, "old").MissingCount)

	res = f.reconcile(t, "host-1")
	assert.Equal(t, 1, res.Deleted)
	_, err := f.store.Get(storage.KindVolume, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReobservedVolumeIsReset(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Volume{
		ID:           "flaky",
		Name:         "flaky",
		Driver:       "local",
		ParentLinks:  []string{"host-1"},
		PowerState:   types.PowerStateRetired,
		MissingCount: 2,
		ExpiresAt:    f.now.Add(time.Hour),
	})
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "flaky", Driver: "local"})

	res := f.reconcile(t, "host-1")
	assert.Equal(t, 1, res.Updated)

	v := f.volume(t, "flaky")
	assert.Equal(t, 0, v.MissingCount)
	assert.Equal(t, types.PowerStateConnected, v.PowerState)
	assert.True(t, v.ExpiresAt.IsZero())
}

func TestDriverMismatchCountsAsMissing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Volume{ID: "data", Name: "data", Driver: "local", ParentLinks: []string{"host-1"}})
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "data", Driver: "nfs"})

	res := f.reconcile(t, "host-1")
	assert.Equal(t, 1, res.Retired)
	assert.Equal(t, 0, res.Discovered)
	assert.Equal(t, "local", f.volume(t, "data").Driver)
}

func TestGlobalVolumeLosesParent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Volume{
		ID:              "shared",
		Name:            "shared",
		Driver:          "nfs",
		Scope:           types.VolumeScopeGlobal,
		ParentLinks:     []string{"host-1", "host-2"},
		OriginatingHost: "host-1",
		PowerState:      types.PowerStateConnected,
	})

	res := f.reconcile(t, "host-1")
	assert.Equal(t, 1, res.Updated)

	v := f.volume(t, "shared")
	assert.Equal(t, []string{"host-2"}, v.ParentLinks)
	assert.Equal(t, "host-2", v.OriginatingHost, "originating host is re-elected")
	assert.Equal(t, types.PowerStateConnected, v.PowerState)
	assert.Equal(t, 0, v.MissingCount)

	// The last parent losing it counts as missing
	res = f.reconcile(t, "host-2")
	assert.Equal(t, 1, res.Retired)
	assert.Equal(t, 1, f.volume(t, "shared").MissingCount)
}

func TestGlobalVolumeGainsParent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Volume{
		ID:              "shared",
		Name:            "shared",
		Driver:          "nfs",
		Scope:           types.VolumeScopeGlobal,
		ParentLinks:     []string{"host-2"},
		OriginatingHost: "host-2",
		PowerState:      types.PowerStateConnected,
	})
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "shared", Driver: "nfs"})

	res := f.reconcile(t, "host-1")
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 0, res.Discovered)
	assert.Equal(t, []string{"host-2", "host-1"}, f.volume(t, "shared").ParentLinks)
}

func TestGlobalVolumeOfOtherHostIsIgnoredWhenAbsent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Volume{
		ID:          "shared",
		Name:        "shared",
		Driver:      "nfs",
		Scope:       types.VolumeScopeGlobal,
		ParentLinks: []string{"host-2"},
	})

	res := f.reconcile(t, "host-1")
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 0, f.volume(t, "shared").MissingCount)
}

func TestUninspectedVolumeIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Volume{ID: "pending", Name: "pending", ParentLinks: []string{"host-1"}})

	res := f.reconcile(t, "host-1")
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 0, f.volume(t, "pending").MissingCount)

	f.volumes.set("host-1", adapter.ExternalVolume{Name: "pending", Driver: "local"})
	res = f.reconcile(t, "host-1")
	assert.Equal(t, 0, res.Discovered)
}

func TestConcurrentPassIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "data", Driver: "local"})

	_, ok, err := f.locks.TryAcquire(context.Background(), "volumes/host-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	before := testutil.ToFloat64(metrics.ReconciliationSkipped)
	res := f.reconcile(t, "host-1")
	assert.True(t, res.Skipped)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReconciliationSkipped))

	_, err = f.store.Get(storage.KindVolume, "data")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Other hosts are not blocked
	assert.False(t, f.reconcile(t, "host-2").Skipped)
}

func TestExpiredLockSelfHeals(t *testing.T) {
	f := newFixture(t)
	clock := time.Now()
	f.locks.WithClock(func() time.Time { return clock })

	_, ok, err := f.locks.TryAcquire(context.Background(), "volumes/host-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.reconcile(t, "host-1").Skipped)

	clock = clock.Add(2 * time.Minute)
	assert.False(t, f.reconcile(t, "host-1").Skipped)
}

func TestLockReleasedOnFailure(t *testing.T) {
	f := newFixture(t)
	f.volumes.listErr = fault.Permanent("inventory unavailable", nil)

	_, err := f.rec.ReconcileNow(context.Background(), "host-1")
	require.Error(t, err)
	assert.Equal(t, 0, f.locks.Len())

	f.volumes.listErr = nil
	assert.False(t, f.reconcile(t, "host-1").Skipped)
}

func TestOverrunPassDoesNotFreeNewerLock(t *testing.T) {
	f := newFixture(t)
	clock := time.Now()
	f.locks.WithClock(func() time.Time { return clock })

	// The pass overruns its lock TTL while listing and a newer holder
	// takes the lock before the pass releases it
	var newer string
	f.volumes.onList = func(string) {
		clock = clock.Add(f.rec.cfg.LockTTL + time.Minute)
		token, ok, err := f.locks.TryAcquire(context.Background(), "volumes/host-1", time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
		newer = token
	}
	f.reconcile(t, "host-1")
	f.volumes.onList = nil

	require.NotEmpty(t, newer)
	assert.True(t, f.reconcile(t, "host-1").Skipped, "the newer holder still owns the host")

	require.NoError(t, f.locks.Release(context.Background(), "volumes/host-1", newer))
	assert.False(t, f.reconcile(t, "host-1").Skipped)
}

func TestLocalVolumeNameOfOtherHostIsNotAdopted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Volume{
		ID:              "data",
		Name:            "data",
		Driver:          "local",
		Scope:           types.VolumeScopeLocal,
		ParentLinks:     []string{"host-1"},
		OriginatingHost: "host-1",
		PowerState:      types.PowerStateConnected,
	})
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "data", Driver: "local"})
	f.volumes.set("host-2", adapter.ExternalVolume{Name: "data", Driver: "local"})

	res := f.reconcile(t, "host-2")
	assert.Equal(t, Result{}, res)
	assert.Equal(t, []string{"host-1"}, f.volume(t, "data").ParentLinks)

	// Losing it on its own host is not masked by the other host's volume
	f.volumes.set("host-1")
	for i := 1; i < 3; i++ {
		f.reconcile(t, "host-1")
		v := f.volume(t, "data")
		assert.Equal(t, types.PowerStateRetired, v.PowerState)
		assert.Equal(t, i, v.MissingCount)

		f.reconcile(t, "host-2")
		v = f.volume(t, "data")
		assert.Equal(t, types.PowerStateRetired, v.PowerState)
		assert.Equal(t, i, v.MissingCount)
	}

	res = f.reconcile(t, "host-1")
	assert.Equal(t, 1, res.Deleted)
	_, err := f.store.Get(storage.KindVolume, "data")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Once the name is free host-2 discovers its own volume
	res = f.reconcile(t, "host-2")
	assert.Equal(t, 1, res.Discovered)
	assert.Equal(t, []string{"host-2"}, f.volume(t, "data").ParentLinks)
}

func TestDiscoveryConflictWithLocalVolumeIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Volume{ID: "data", Name: "data", Driver: "local", ParentLinks: []string{"host-1"}})

	require.NoError(t, f.rec.discover(adapter.ExternalVolume{Name: "data", Driver: "local"}, "host-2"))
	assert.Equal(t, []string{"host-1"}, f.volume(t, "data").ParentLinks)

	f.seed(t, &types.Volume{ID: "shared", Name: "shared", Driver: "nfs", Scope: types.VolumeScopeGlobal, ParentLinks: []string{"host-1"}})
	require.NoError(t, f.rec.discover(adapter.ExternalVolume{Name: "shared", Driver: "nfs"}, "host-2"))
	assert.Equal(t, []string{"host-1", "host-2"}, f.volume(t, "shared").ParentLinks)
}

func TestPassWaitsForMutationsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "a", Driver: "local"}, adapter.ExternalVolume{Name: "b", Driver: "local"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.volumes.onList = func(string) { cancel() }

	res, err := f.rec.ReconcileNow(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Discovered)

	// Every mutation of the pass has landed by the time it returns
	for _, id := range []string{"a", "b"} {
		_, err := f.store.Get(storage.KindVolume, id)
		assert.NoError(t, err, id)
	}
}

func TestPeriodicLoopSweepsExpiredLocks(t *testing.T) {
	f := newFixture(t)
	clock := time.Now()
	var mu sync.Mutex
	f.locks.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	})
	_, ok, err := f.locks.TryAcquire(context.Background(), "volumes/gone", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mu.Lock()
	clock = clock.Add(2 * time.Minute)
	mu.Unlock()

	f.rec.cfg.Interval = 10 * time.Millisecond
	f.rec.Start()

	require.Eventually(t, func() bool {
		return f.locks.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconcileIsFireAndForget(t *testing.T) {
	f := newFixture(t)
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "data", Driver: "local"})

	f.rec.Reconcile(context.Background(), "host-1")

	require.Eventually(t, func() bool {
		_, err := f.store.Get(storage.KindVolume, "data")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPeriodicLoopVisitsEnabledHosts(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.Interval = 10 * time.Millisecond
	require.NoError(t, storage.Save(f.store, storage.KindHost, "host-1", &types.Host{ID: "host-1"}))
	require.NoError(t, storage.Save(f.store, storage.KindHost, "host-2", &types.Host{ID: "host-2", Disabled: true}))
	f.volumes.set("host-1", adapter.ExternalVolume{Name: "a", Driver: "local"})
	f.volumes.set("host-2", adapter.ExternalVolume{Name: "b", Driver: "local"})

	f.rec.Start()

	require.Eventually(t, func() bool {
		_, err := f.store.Get(storage.KindVolume, "a")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	_, err := f.store.Get(storage.KindVolume, "b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
