package state

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/chittyos/todosync/internal/store"
	"github.com/chittyos/todosync/internal/todo"
)

// DefaultSubscriberBuffer is the outbound buffer size per subscriber.
// A subscriber that falls this far behind is dropped and must resubscribe.
const DefaultSubscriberBuffer = 64

// Session is the single authority for one session's todo set.
//
// All mutations go through Apply; reads go through Get. A Session is created
// by the Registry and lives for the life of the process, rehydrated from the
// primary store on first access.
type Session struct {
	id      string
	primary store.Store
	logger  *log.Logger

	// applyMu serializes Apply calls: one mutation in flight per session.
	// It is held across the primary commit so that a failed commit can
	// never interleave with a concurrent merge.
	applyMu sync.Mutex

	// mu guards the committed snapshot. It is held only for in-memory
	// reads and the post-commit swap, never across store I/O.
	mu             sync.RWMutex
	todos          map[string]todo.Todo
	lastMutationAt time.Time

	// subMu guards the subscriber registry, distinct from the mutation
	// locks so subscribe/unsubscribe never waits on an in-flight Apply.
	subMu   sync.Mutex
	subs    map[int]chan todo.MutationEvent
	nextSub int
	bufSize int
}

// ID returns the session identifier this cell owns.
func (s *Session) ID() string {
	return s.id
}

// Get returns a snapshot of the current full todo list for the session,
// sorted by ID. The returned todos are deep copies; mutating them has no
// effect on committed state.
func (s *Session) Get() []todo.Todo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

// LastMutationAt returns the commit time of the most recent Apply,
// or the zero time if the session has never been written.
func (s *Session) LastMutationAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMutationAt
}

// snapshotLocked copies the committed set into a sorted slice.
// Callers must hold mu.
func (s *Session) snapshotLocked() []todo.Todo {
	out := make([]todo.Todo, 0, len(s.todos))
	for _, t := range s.todos {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply merges a batch of incoming todos into the session.
//
// For each incoming todo:
//   - no stored todo with the same ID: accepted as new
//   - incoming.Version > stored.Version: accepted, replaces
//   - otherwise: a ConflictRecord is produced and the incoming record is
//     dropped from the merge (last-committed-wins by version)
//
// The full merged set is persisted atomically through the primary store
// before the in-memory state is swapped; a persistence failure aborts the
// whole Apply, leaving the pre-call state observable and broadcasting
// nothing. Conflicts are a normal outcome, returned alongside the merged
// set, never as an error.
func (s *Session) Apply(ctx context.Context, incoming []todo.Todo) ([]todo.Todo, []todo.ConflictRecord, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	// Working copy of the committed set. Apply is the sole writer, so the
	// read lock is only needed to stay ordered with concurrent Get calls.
	s.mu.RLock()
	working := make(map[string]todo.Todo, len(s.todos)+len(incoming))
	for id, t := range s.todos {
		working[id] = t
	}
	s.mu.RUnlock()

	var conflicts []todo.ConflictRecord
	now := time.Now()

	for _, in := range incoming {
		if err := in.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid todo %q in batch: %w", in.ID, err)
		}
		if in.SessionID != s.id {
			return nil, nil, fmt.Errorf("todo %q belongs to session %q, not %q", in.ID, in.SessionID, s.id)
		}

		cur, exists := working[in.ID]
		if !exists || in.Version > cur.Version {
			working[in.ID] = in.Clone()
			continue
		}

		conflicts = append(conflicts, todo.ConflictRecord{
			ID:         in.ID,
			Current:    cur.Clone(),
			Incoming:   in.Clone(),
			Kind:       todo.KindVersionMismatch,
			DetectedAt: now,
		})
	}

	merged := make([]todo.Todo, 0, len(working))
	for _, t := range working {
		merged = append(merged, t)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	// Single atomic commit per Apply. The snapshot lock is NOT held here;
	// Get continues to serve the pre-state until the swap below.
	if s.primary != nil {
		if err := s.primary.Persist(ctx, merged); err != nil {
			return nil, nil, fmt.Errorf("failed to commit session %s: %w", s.id, err)
		}
		if len(conflicts) > 0 {
			if rec, ok := s.primary.(store.ConflictRecorder); ok {
				if err := rec.RecordConflicts(ctx, conflicts); err != nil {
					s.logger.Printf("Warning: failed to record %d conflicts for session %s: %v",
						len(conflicts), s.id, err)
				}
			}
		}
	}

	s.mu.Lock()
	s.todos = working
	s.lastMutationAt = now
	s.mu.Unlock()

	event := todo.MutationEvent{
		SessionID: s.id,
		Merged:    merged,
		Conflicts: conflicts,
		Timestamp: now,
	}
	s.broadcast(event)

	out := make([]todo.Todo, len(merged))
	for i := range merged {
		out[i] = merged[i].Clone()
	}
	return out, conflicts, nil
}

// Subscribe registers a live listener for mutation events.
//
// Every successful Apply broadcasts one MutationEvent to all registered
// subscribers. Delivery is best-effort with a bounded buffer: a subscriber
// whose buffer overflows is dropped (its channel is closed) and must
// resubscribe. The returned function unsubscribes; it is safe to call more
// than once.
func (s *Session) Subscribe() (<-chan todo.MutationEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++

	ch := make(chan todo.MutationEvent, s.bufSize)
	s.subs[id] = ch

	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}

	return ch, unsubscribe
}

// SubscriberCount returns the number of live subscribers.
func (s *Session) SubscriberCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// broadcast delivers an event to every subscriber without blocking.
// Subscribers with a full buffer are dropped so one slow consumer cannot
// delay delivery to others or the Apply caller.
func (s *Session) broadcast(event todo.MutationEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- event:
		default:
			delete(s.subs, id)
			close(ch)
			s.logger.Printf("Dropped slow subscriber %d on session %s (buffer full)", id, s.id)
		}
	}
}
