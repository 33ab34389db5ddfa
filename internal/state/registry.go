package state

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/chittyos/todosync/internal/store"
	"github.com/chittyos/todosync/internal/todo"
)

// Registry maps session IDs to their consistency domain cells.
//
// Cells are created lazily on first access and rehydrated from the primary
// store when it supports session loading. The registry lock guards only
// creation; it is never held during Apply or Get.
type Registry struct {
	primary store.Store
	bufSize int
	logger  *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// SubscriberBuffer is the per-subscriber event buffer size
	SubscriberBuffer int

	// Logger for registry and session activity
	Logger *log.Logger
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		SubscriberBuffer: DefaultSubscriberBuffer,
		Logger:           log.New(os.Stderr, "[state] ", log.LstdFlags),
	}
}

// NewRegistry creates a registry backed by the given primary store.
// The primary may be nil for a memory-only registry (tests, dry runs).
func NewRegistry(primary store.Store, config *RegistryConfig) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[state] ", log.LstdFlags)
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultSubscriberBuffer
	}

	return &Registry{
		primary:  primary,
		bufSize:  config.SubscriberBuffer,
		logger:   config.Logger,
		sessions: make(map[string]*Session),
	}
}

// Session returns the cell for sessionID, creating it on first access.
//
// When the primary store implements store.SessionLoader, existing durable
// state is loaded into the new cell before it is returned. A load failure
// fails the call; the cell is not registered, so a retry starts clean.
func (r *Registry) Session(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}

	s := &Session{
		id:      sessionID,
		primary: r.primary,
		logger:  r.logger,
		todos:   make(map[string]todo.Todo),
		subs:    make(map[int]chan todo.MutationEvent),
		bufSize: r.bufSize,
	}

	if loader, ok := r.primary.(store.SessionLoader); ok {
		existing, err := loader.LoadSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}
		for _, t := range existing {
			s.todos[t.ID] = t
		}
		if len(existing) > 0 {
			r.logger.Printf("Rehydrated session %s with %d todos", sessionID, len(existing))
		}
	}

	r.sessions[sessionID] = s
	return s, nil
}

// SessionIDs returns the IDs of all currently loaded sessions.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
