/*
Package manager replicates the admiral document store with Raft.

A manager owns a local BoltStore and a hashicorp/raft instance whose FSM
applies store mutations. Reads are served from the local store; writes
are proposed to the raft log and applied on every replica in log order.

# Architecture

	┌──────────────────────── MANAGER ─────────────────────────┐
	│                                                           │
	│   task engine, reconciler, removal workflow               │
	│                 │                                         │
	│                 ▼                                         │
	│   ┌───────────────────────────┐                           │
	│   │ ReplicatedStore           │  storage.Store            │
	│   │  Get/List  → local        │                           │
	│   │  Put/CAS/Delete/Sweep → raft.Apply                    │
	│   └─────────────┬─────────────┘                           │
	│                 ▼                                         │
	│   ┌───────────────────────────┐                           │
	│   │ raft (log, stable store,  │  raft-boltdb or in-memory │
	│   │ snapshots, transport)     │                           │
	│   └─────────────┬─────────────┘                           │
	│                 ▼                                         │
	│   ┌───────────────────────────┐                           │
	│   │ FSM                       │  Apply / Snapshot / Restore
	│   └─────────────┬─────────────┘                           │
	│                 ▼                                         │
	│          storage.BoltStore                                │
	└───────────────────────────────────────────────────────────┘

# Commands

Every write is a Command{Op, Data}:

  - put: unconditional write, version incremented
  - compare_and_put: write only at the expected version
  - delete: remove one document
  - sweep: drop documents expired at the given time

The FSM returns an ApplyResult holding the stored document, the sweep
count, or the store error. Errors such as storage.ErrConflict reach the
proposer unchanged, so optimistic updates retry the same way they do on
a plain BoltStore.

The proposer stamps UpdatedAt and the sweep time before proposing, so
replicas applying the same entry end up with identical documents.

# Snapshots

Snapshot copies every document with its version. Restore replaces the
whole store with the snapshot contents.

# Usage

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:7946",
		DataDir:  "/var/lib/admiral",
	})
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	if err := mgr.WaitForLeader(ctx); err != nil {
		return err
	}

	store := mgr.Store()

Bootstrap only initializes the cluster configuration on first start; a
restart resumes from the existing raft state. Config.InMemory keeps the
raft state in memory, which tests and the one-shot CLI commands use.

# Failover

Raft timeouts are lowered from the library defaults (500ms heartbeat and
election timeouts, 250ms leader lease) for LAN deployments. A write
proposed on a follower or during an election fails with a transient
fault and can be retried by the caller.
*/
package manager
