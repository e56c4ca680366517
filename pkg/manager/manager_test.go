package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(&Config{NodeID: "node-1", DataDir: t.TempDir(), InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown() })

	require.NoError(t, m.Bootstrap())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.WaitForLeader(ctx))
	return m
}

func TestNewManagerRequiresNodeID(t *testing.T) {
	_, err := NewManager(&Config{DataDir: t.TempDir()})
	assert.Error(t, err)
}

func TestReplicatedStoreWrites(t *testing.T) {
	m := newTestManager(t)
	store := m.Store()

	host := &types.Host{ID: "host-1", Address: "10.0.0.1"}
	require.NoError(t, storage.Create(store, storage.KindHost, host.ID, host))

	loaded, version, err := storage.Load[types.Host](store, storage.KindHost, "host-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, "10.0.0.1", loaded.Address)

	err = storage.Create(store, storage.KindHost, host.ID, host)
	assert.ErrorIs(t, err, storage.ErrConflict)

	updated, err := storage.Update(store, storage.KindHost, "host-1", func(h *types.Host) error {
		h.Disabled = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Disabled)

	require.NoError(t, store.Delete(storage.KindHost, "host-1"))
	assert.ErrorIs(t, store.Delete(storage.KindHost, "host-1"), storage.ErrNotFound)
}

func TestReplicatedSweep(t *testing.T) {
	m := newTestManager(t)
	store := m.Store()
	now := time.Now().UTC()

	_, err := store.Put(&storage.Document{Kind: storage.KindTask, Key: "old", Body: json.RawMessage(`{}`), ExpiresAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = store.Put(&storage.Document{Kind: storage.KindTask, Key: "new", Body: json.RawMessage(`{}`), ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	n, err := store.Sweep(now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err := store.List(storage.KindTask)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "new", docs[0].Key)
}

func TestStats(t *testing.T) {
	m := newTestManager(t)

	stats := m.Stats()
	assert.Equal(t, "Leader", stats["state"])
	assert.Equal(t, "node-1", stats["leader"])
	assert.True(t, m.IsLeader())
}

func TestApplyWithoutRaft(t *testing.T) {
	m, err := NewManager(&Config{NodeID: "node-1", DataDir: t.TempDir()})
	require.NoError(t, err)
	defer m.Shutdown()

	_, err = m.Store().Put(&storage.Document{Kind: storage.KindHost, Key: "h", Body: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { return nil }

func applyCommand(t *testing.T, f *FSM, op string, payload interface{}) *ApplyResult {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)

	res, ok := f.Apply(&raft.Log{Data: raw}).(*ApplyResult)
	require.True(t, ok)
	return res
}

func newFSM(t *testing.T) *FSM {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewFSM(store)
}

func TestFSMApply(t *testing.T) {
	f := newFSM(t)
	doc := &storage.Document{Kind: storage.KindVolume, Key: "data", Body: json.RawMessage(`{"id":"data"}`)}

	res := applyCommand(t, f, OpCompareAndPut, putCommand{Document: doc})
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(1), res.Document.Version)

	res = applyCommand(t, f, OpCompareAndPut, putCommand{Document: doc})
	assert.ErrorIs(t, res.Err, storage.ErrConflict)

	res = applyCommand(t, f, OpPut, putCommand{Document: doc})
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(2), res.Document.Version)

	res = applyCommand(t, f, OpDelete, deleteCommand{Kind: storage.KindVolume, Key: "data"})
	require.NoError(t, res.Err)

	res = applyCommand(t, f, "explode", struct{}{})
	assert.Error(t, res.Err)

	res, ok := f.Apply(&raft.Log{Data: []byte("not json")}).(*ApplyResult)
	require.True(t, ok)
	assert.Error(t, res.Err)
}

func TestFSMSnapshotRestore(t *testing.T) {
	src := newFSM(t)
	for _, key := range []string{"a", "b"} {
		res := applyCommand(t, src, OpPut, putCommand{Document: &storage.Document{
			Kind: storage.KindContainer,
			Key:  key,
			Body: json.RawMessage(`{"id":"` + key + `"}`),
		}})
		require.NoError(t, res.Err)
	}
	res := applyCommand(t, src, OpPut, putCommand{Document: &storage.Document{Kind: storage.KindContainer, Key: "a", Body: json.RawMessage(`{"id":"a"}`)}})
	require.NoError(t, res.Err)

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	dst := newFSM(t)
	stale := applyCommand(t, dst, OpPut, putCommand{Document: &storage.Document{Kind: storage.KindHost, Key: "stale", Body: json.RawMessage(`{}`)}})
	require.NoError(t, stale.Err)

	require.NoError(t, dst.Restore(io.NopCloser(&sink.Buffer)))

	docs, err := dst.store.List(storage.KindContainer)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	a, err := dst.store.Get(storage.KindContainer, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), a.Version, "versions survive a restore")

	_, err = dst.store.Get(storage.KindHost, "stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
