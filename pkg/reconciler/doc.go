/*
Package reconciler keeps the volume mirror of every host in line with the
volumes the host actually reports.

# Passes

A pass for one host lists the host's inventory and diffs it against the
stored volume records that either name the host as a parent or are global:

	┌──────────────────────┐     ┌──────────────────────┐
	│  host inventory      │     │  volume mirror       │
	│  (VolumeAdapter)     │     │  (storage)           │
	└──────────┬───────────┘     └──────────┬───────────┘
	           └─────────────┬──────────────┘
	                         ▼
	                   diff by name
	                         │
	     ┌──────────┬────────┴───────┬───────────────┐
	     ▼          ▼                ▼               ▼
	  observed   missing on a     missing         unknown to
	             shared volume                    the mirror
	     │          │                │               │
	  reset      drop parent      count miss      discover
	                              retire/delete   and inspect

Records without a driver have not been inspected yet and are left alone. A
record whose driver differs from the reported one counts as missing.

# Missing volumes

Each pass without a volume increments its missing count. Below the
threshold (3 by default) the record is retired and given an expiration;
at the threshold it is deleted. Seeing the volume again resets the count
and clears the expiration.

A global volume reported missing by one of several parents only loses that
parent. If the lost parent originated the volume, the next parent takes
over. The last parent goes through the missing count like a local volume.

# Discovery

An unknown volume gets a record and a description, then is inspected in the
background. Records are keyed by volume name: a name already taken by a
local volume of another host is not discovered, while a global volume of
that name gains the reporting host as a parent. Inspection retries with linearly growing delays and stops early
when the host no longer knows the volume.

# Exclusion

Passes hold a per-host lock with a TTL, so a crashed pass cannot block its
host forever. A request made while a pass for the same host is running is
dropped and counted in admiral_reconcile_skipped_total. The lock is
either a local LockTable or a RedisLocker shared by every manager. A pass
releases only its own acquisition, so one that overran its TTL leaves the
next holder's lock in place. The periodic loop sweeps expired LockTable
entries on each tick.

Mutations of a pass fan in through a counting barrier and the pass always
waits for it, even when its context is cancelled.

# Usage

	rec := reconciler.NewReconciler(store, volumes, sessions, locker, broker, reconciler.DefaultConfig())
	rec.Start()
	defer rec.Stop()

	// From the removal workflow
	rec.Reconcile(ctx, hostID)

	// Synchronously, from the CLI
	res, err := rec.ReconcileNow(ctx, hostID)
*/
package reconciler
