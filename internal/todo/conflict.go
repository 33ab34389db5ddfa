package todo

import "time"

// ConflictKind classifies a detected write conflict.
type ConflictKind string

// KindVersionMismatch is recorded when an incoming write's version is not
// strictly greater than the stored version for the same ID.
const KindVersionMismatch ConflictKind = "version_mismatch"

// ConflictRecord captures two disagreeing writes to the same ID.
//
// A conflict is a normal, surfaced outcome of Apply, distinct from both
// success and failure. The incoming record is never applied; callers decide
// whether to surface the conflict to a human.
type ConflictRecord struct {
	// ID of the contested todo
	ID string `json:"id"`

	// Current is the stored todo that won
	Current Todo `json:"current"`

	// Incoming is the proposed todo that lost
	Incoming Todo `json:"incoming"`

	// Kind of conflict detected
	Kind ConflictKind `json:"kind"`

	// Resolution is empty until a higher-level resolver fills it in
	Resolution string `json:"resolution,omitempty"`

	// DetectedAt is when the conflict was recorded
	DetectedAt time.Time `json:"detected_at"`
}

// MutationEvent is broadcast to session subscribers after every successful
// Apply, carrying the post-merge state and any conflicts detected.
type MutationEvent struct {
	SessionID string           `json:"session_id"`
	Merged    []Todo           `json:"merged"`
	Conflicts []ConflictRecord `json:"conflicts,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
