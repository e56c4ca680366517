/*
Package storage provides BoltDB-backed, versioned document persistence for
Admiral's tasks and mirrored resources.

Every record is wrapped in a Document envelope carrying its kind, key,
version and optional expiration. Each kind lives in its own bucket:

	┌──────────────────── BOLTDB STORAGE ─────────────────────┐
	│                                                           │
	│  File: <dataDir>/admiral.db                               │
	│                                                           │
	│  tasks                  (task id)                         │
	│  containers             (container id)                    │
	│  container_descriptions (description id)                  │
	│  placements             (placement id)                    │
	│  port_profiles          (host id)                         │
	│  volumes                (volume name)                     │
	│  volume_descriptions    (description id)                  │
	│  hosts                  (host id)                         │
	│                                                           │
	│  value = JSON Document{kind, key, version, body, ...}     │
	└───────────────────────────────────────────────────────────┘

# Versioning

Put increments the stored version unconditionally. CompareAndPut writes
only when the stored version equals the expected one and returns
ErrConflict otherwise; an expected version of 0 creates the key.

The generic helpers wrap the envelope:

	vol, version, err := storage.Load[types.Volume](store, storage.KindVolume, "data")

	_, err = storage.Update(store, storage.KindVolume, "data", func(v *types.Volume) error {
		v.MissingCount = 0
		return nil
	})

Update retries on ErrConflict and returns ErrNotFound unchanged, so callers
that treat a vanished record as benign can check for it with errors.Is.

# Expiration

Documents whose body implements Expirer carry its expiration in the
envelope. Sweep deletes every document whose expiration has passed; the
task engine relies on it to reap finished tasks and the reconciler relies
on it to reap retired volumes.

# Replication

BoltStore is the local state machine behind the manager's Raft FSM. All()
and Replace() exist for Raft snapshots and restores. Components that need
replicated writes use manager.ReplicatedStore, which implements the same
Store interface.
*/
package storage
