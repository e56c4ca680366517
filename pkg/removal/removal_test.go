package removal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/enascvm/admiral/pkg/adapter"
	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/task"
	"github.com/enascvm/admiral/pkg/ttlcache"
	"github.com/enascvm/admiral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContainers returns queued errors per external id; the last queued
// error repeats
type fakeContainers struct {
	mu    sync.Mutex
	errs  map[string][]error
	calls map[string]int
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{errs: make(map[string][]error), calls: make(map[string]int)}
}

func (f *fakeContainers) failWith(externalID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[externalID] = errs
}

func (f *fakeContainers) DeleteContainer(ctx context.Context, s *adapter.Session, hostID, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[externalID]++
	queue := f.errs[externalID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	if len(queue) > 1 {
		f.errs[externalID] = queue[1:]
	}
	return err
}

func (f *fakeContainers) callCount(externalID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[externalID]
}

type fakeRefresher struct {
	mu    sync.Mutex
	hosts []string
}

func (f *fakeRefresher) Reconcile(ctx context.Context, hostID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = append(f.hosts, hostID)
}

func (f *fakeRefresher) refreshed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hosts...)
}

type harness struct {
	store      storage.Store
	engine     *task.Engine
	containers *fakeContainers
	refresher  *fakeRefresher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	engine, err := task.NewEngine(store, nil, task.Config{MailboxIdleTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Stop()
		store.Close()
	})

	h := &harness{
		store:      store,
		engine:     engine,
		containers: newFakeContainers(),
		refresher:  &fakeRefresher{},
	}
	sessions := adapter.NewSessions(adapter.LocalAuthenticator{}, ttlcache.Config{Name: "test-sessions"})
	wf := New(store, h.containers, sessions, h.refresher, Config{
		AdapterRetries:        1,
		AdapterRetryDelay:     time.Millisecond,
		DescriptionRetries:    1,
		DescriptionRetryDelay: time.Millisecond,
	})
	require.NoError(t, wf.Register(engine))

	h.seed(t)
	return h
}

// seed stores containers A and B on host-1, sharing one description and
// one placement
func (h *harness) seed(t *testing.T) {
	t.Helper()
	now := time.Now().UTC()

	require.NoError(t, storage.Save(h.store, storage.KindContainerDescription, "desc-1", &types.ContainerDescription{
		ID: "desc-1", Name: "web", Image: "nginx",
	}))
	require.NoError(t, storage.Save(h.store, storage.KindPlacement, "placement-1", &types.Placement{
		ID: "placement-1", Pool: "pool-1", Allocated: 2,
	}))
	require.NoError(t, storage.Save(h.store, storage.KindPortProfile, "host-1", &types.HostPortProfile{
		ID: "host-1", Allocations: map[int]string{8080: "A", 8081: "B", 9000: "other"},
	}))

	for _, id := range []string{"A", "B"} {
		require.NoError(t, storage.Save(h.store, storage.KindContainer, id, &types.Container{
			ID:              id,
			ExternalID:      "ext-" + id,
			Name:            "web-" + id,
			HostID:          "host-1",
			DescriptionLink: "desc-1",
			PlacementLink:   "placement-1",
			PowerState:      types.PowerStateRunning,
			CreatedAt:       now,
			UpdatedAt:       now,
		}))
	}
}

func (h *harness) remove(t *testing.T, req task.CreateRequest) *types.Task {
	t.Helper()
	req.Kind = Kind
	id, err := h.engine.Create(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := h.engine.Await(ctx, id)
	require.NoError(t, err)
	return result
}

func exists(t *testing.T, store storage.Store, kind, key string) bool {
	t.Helper()
	_, err := store.Get(kind, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestRemovalBothSucceed(t *testing.T) {
	h := newHarness(t)

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"A", "B"}})

	assert.Equal(t, types.TaskStageFinished, result.Stage)
	assert.Equal(t, types.SubStageCompleted, result.SubStage)
	assert.Equal(t, 1, h.containers.callCount("ext-A"))
	assert.Equal(t, 1, h.containers.callCount("ext-B"))

	assert.False(t, exists(t, h.store, storage.KindContainer, "A"))
	assert.False(t, exists(t, h.store, storage.KindContainer, "B"))
	assert.False(t, exists(t, h.store, storage.KindContainerDescription, "desc-1"))

	placement, _, err := storage.Load[types.Placement](h.store, storage.KindPlacement, "placement-1")
	require.NoError(t, err)
	assert.Equal(t, 0, placement.Allocated)

	ports, _, err := storage.Load[types.HostPortProfile](h.store, storage.KindPortProfile, "host-1")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{9000: "other"}, ports.Allocations)

	assert.Equal(t, []string{"host-1"}, h.refresher.refreshed())
}

func TestRemovalToleratesNotFound(t *testing.T) {
	h := newHarness(t)
	h.containers.failWith("ext-B", fault.NotFound("no such container", nil))

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"A", "B"}})

	assert.Equal(t, types.TaskStageFinished, result.Stage)
	assert.Empty(t, result.FailureMessage)
	assert.Equal(t, 1, h.containers.callCount("ext-B"), "not found is not retried")
	assert.False(t, exists(t, h.store, storage.KindContainer, "B"))
}

func TestRemovalFailsWhenRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.containers.failWith("ext-B", fault.Transient("connection reset", nil))

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"A", "B"}})

	assert.Equal(t, types.TaskStageFailed, result.Stage)
	assert.Equal(t, types.SubStageError, result.SubStage)
	assert.Contains(t, result.FailureMessage, "failed to remove container B")
	assert.Equal(t, 2, h.containers.callCount("ext-B"), "one attempt plus one retry")

	b, _, err := storage.Load[types.Container](h.store, storage.KindContainer, "B")
	require.NoError(t, err)
	assert.False(t, b.Deleted, "deleted flag is reverted after a failed delete")
	assert.Empty(t, h.refresher.refreshed())
}

func TestRemovalRetriesAfterUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.containers.failWith("ext-A", fault.Unauthorized("session expired", nil), nil)

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"A", "B"}})

	assert.Equal(t, types.TaskStageFinished, result.Stage)
	assert.Equal(t, 2, h.containers.callCount("ext-A"))
}

func TestRemovalPermanentErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.containers.failWith("ext-A", fault.Permanent("image in use", nil))

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"A", "B"}})

	assert.Equal(t, types.TaskStageFailed, result.Stage)
	assert.Contains(t, result.FailureMessage, "container A")
	assert.Equal(t, 1, h.containers.callCount("ext-A"))
}

func TestRemovalRemoveOnly(t *testing.T) {
	h := newHarness(t)

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"A", "B"}, RemoveOnly: true})

	assert.Equal(t, types.TaskStageFinished, result.Stage)
	assert.Equal(t, 0, h.containers.callCount("ext-A"))
	assert.Equal(t, 0, h.containers.callCount("ext-B"))
	assert.False(t, exists(t, h.store, storage.KindContainer, "A"))
	assert.Empty(t, h.refresher.refreshed(), "removeOnly never refreshes host inventory")
}

func TestRemovalNoMatchingContainers(t *testing.T) {
	h := newHarness(t)

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"missing"}})

	assert.Equal(t, types.TaskStageFinished, result.Stage)
	assert.True(t, exists(t, h.store, storage.KindContainer, "A"))
	assert.Empty(t, h.refresher.refreshed())
}

func TestRemovalKeepsSharedDescription(t *testing.T) {
	h := newHarness(t)

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"A"}})

	assert.Equal(t, types.TaskStageFinished, result.Stage)
	assert.False(t, exists(t, h.store, storage.KindContainer, "A"))
	assert.True(t, exists(t, h.store, storage.KindContainerDescription, "desc-1"), "B still uses the description")

	placement, _, err := storage.Load[types.Placement](h.store, storage.KindPlacement, "placement-1")
	require.NoError(t, err)
	assert.Equal(t, 1, placement.Allocated)
}

func TestRemovalKeepsDescriptionForRedeployment(t *testing.T) {
	h := newHarness(t)

	result := h.remove(t, task.CreateRequest{
		ResourceLinks:    []string{"A", "B"},
		CustomProperties: map[string]string{types.RedeploymentProperty: "true"},
	})

	assert.Equal(t, types.TaskStageFinished, result.Stage)
	assert.True(t, exists(t, h.store, storage.KindContainerDescription, "desc-1"))
}

func TestRemovalSkipsPlacementRelease(t *testing.T) {
	h := newHarness(t)

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"A", "B"}, SkipReleaseResourcePlacement: true})

	assert.Equal(t, types.TaskStageFinished, result.Stage)
	placement, _, err := storage.Load[types.Placement](h.store, storage.KindPlacement, "placement-1")
	require.NoError(t, err)
	assert.Equal(t, 2, placement.Allocated)
}

func TestRemovalLeavesSystemContainers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, storage.Save(h.store, storage.KindContainer, "agent", &types.Container{
		ID:         "agent",
		ExternalID: "ext-agent",
		HostID:     "host-1",
		System:     true,
	}))

	result := h.remove(t, task.CreateRequest{ResourceLinks: []string{"agent", "A"}})

	assert.Equal(t, types.TaskStageFinished, result.Stage)
	assert.Equal(t, 0, h.containers.callCount("ext-agent"))
	assert.True(t, exists(t, h.store, storage.KindContainer, "agent"))
	assert.False(t, exists(t, h.store, storage.KindContainer, "A"))
}

func TestRemovalCallbackNotifiesParent(t *testing.T) {
	h := newHarness(t)

	const waiting types.SubStage = "WAITING"
	const removed types.SubStage = "REMOVED"
	require.NoError(t, h.engine.Register(&task.Definition{
		Kind:   "host-removal",
		Stages: []types.SubStage{types.SubStageCreated, waiting, removed, types.SubStageCompleted, types.SubStageError},
		Transitions: map[types.SubStage][]types.SubStage{
			types.SubStageCreated: {waiting, types.SubStageError},
			waiting:               {removed, types.SubStageError},
			removed:               {types.SubStageCompleted, types.SubStageError},
		},
		Handlers: map[types.SubStage]task.Handler{
			types.SubStageCreated: func(tc *task.Context) error {
				_, err := tc.Engine().Create(tc, task.CreateRequest{
					Kind:          Kind,
					ResourceLinks: tc.Task.ResourceLinks,
					Callback: &types.Callback{
						Address:         tc.Task.ID,
						SuccessSubStage: removed,
						FailureSubStage: types.SubStageError,
					},
				})
				if err != nil {
					return err
				}
				tc.Proceed(waiting, task.Patch{})
				return nil
			},
			removed: func(tc *task.Context) error {
				tc.Proceed(types.SubStageCompleted, task.Patch{})
				return nil
			},
		},
	}))
	h.containers.failWith("ext-A", fault.Transient("timeout", nil))

	id, err := h.engine.Create(context.Background(), task.CreateRequest{Kind: "host-removal", ResourceLinks: []string{"A", "B"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	parent, err := h.engine.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStageFailed, parent.Stage)
	assert.Contains(t, parent.FailureMessage, "container A")
}
