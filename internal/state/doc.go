// Package state implements the per-session consistency domain.
//
// Each session's todo set is owned by exactly one Session cell, obtained
// through the Registry. The Session serializes all writes to its partition,
// detects version conflicts during merge, persists every committed state
// atomically through the primary store, and broadcasts mutation events to
// live subscribers.
//
// Sessions are fully independent: there is no cross-session lock, ordering
// guarantee, or shared mutable state. The Registry only guards the lazy
// creation of cells.
//
// Concurrency contract:
//   - Exactly one Apply is in flight per session at a time.
//   - Get may run concurrently with an in-flight Apply and observes either
//     the pre- or post-state of that call, never a partial merge. Get never
//     blocks on store I/O; only the in-memory commit swap is guarded by the
//     snapshot lock.
//   - Subscribing and unsubscribing never block on an in-flight Apply; the
//     subscriber registry has its own lock.
package state
