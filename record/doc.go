// Package record defines the ExecutionRecord, the single row that tracks one
// logical job invocation, and the store contract that implements the soft
// lock around it.
//
// # Lock Protocol
//
// A record is locked when LockedAt is set. [Store.TryLock] takes the lock in
// one conditional write that succeeds only when the record is unlocked or
// its lock is older than the staleness cutoff. The LockedAt value it writes
// is the lock token: every later write by the holder ([Store.Advance],
// [Store.Release]) is fenced on it and fails with acidic.ErrLockLost when a
// different worker has since stolen the lock.
//
// # Lifecycle
//
//	created (locked) → step … step → FINISHED (unlocked)
//	                    ↘ failed (unlocked, Error set, same recovery point)
//
// FINISHED records are immutable; [Store.PurgeRecords] deletes finished
// records that carry no error.
package record
