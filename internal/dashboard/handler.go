package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/chittyos/todosync/internal/state"
	"github.com/chittyos/todosync/internal/todo"
	"github.com/chittyos/todosync/internal/workflow"
)

// Handler bridges session mutation events and run outcomes into dashboard
// broadcasts. It also implements workflow.RunNotifier, so the orchestrator
// can announce finished runs directly.
type Handler struct {
	server *Server
	logger *log.Logger

	mu       sync.Mutex
	byStatus map[string]map[todo.Status]int

	wg   sync.WaitGroup
	done chan struct{}
}

// NewHandler creates a handler connected to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server:   server,
		logger:   logger,
		byStatus: make(map[string]map[todo.Status]int),
		done:     make(chan struct{}),
	}
}

// Watch subscribes to a session and forwards its mutation events until the
// handler is stopped or the session drops the subscriber.
func (h *Handler) Watch(sess *state.Session) {
	events, cancel := sess.Subscribe()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()

		for {
			select {
			case <-h.done:
				return
			case event, ok := <-events:
				if !ok {
					h.logger.Printf("Subscription to session %s closed", sess.ID())
					return
				}
				h.onMutation(event)
			}
		}
	}()
}

// Stop detaches all session watchers and waits for them to exit.
func (h *Handler) Stop() {
	close(h.done)
	h.wg.Wait()
}

// NotifyRun implements workflow.RunNotifier.
func (h *Handler) NotifyRun(ctx context.Context, result *workflow.RunResult) error {
	data := RunCompleteData{
		RunID:     result.RunID,
		Status:    string(result.Status),
		Ingested:  result.Ingested,
		Processed: result.Stats.Processed,
		Conflicts: result.Stats.Conflicts,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return err
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeRunComplete,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
	return nil
}

// onMutation broadcasts a committed batch and its conflicts, then refreshed
// stats.
func (h *Handler) onMutation(event todo.MutationEvent) {
	ids := make([]string, 0, len(event.Merged))
	counts := make(map[todo.Status]int)
	for _, t := range event.Merged {
		ids = append(ids, t.ID)
		counts[t.Status]++
	}

	h.mu.Lock()
	h.byStatus[event.SessionID] = counts
	h.mu.Unlock()

	data := MutationData{
		SessionID: event.SessionID,
		TodoIDs:   ids,
		Merged:    len(event.Merged),
		Conflicts: len(event.Conflicts),
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal mutation data: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeMutation,
		Timestamp: event.Timestamp,
		Data:      dataJSON,
	})

	for _, c := range event.Conflicts {
		conflictJSON, err := json.Marshal(ConflictData{
			SessionID:       event.SessionID,
			TodoID:          c.ID,
			CurrentVersion:  c.Current.Version,
			IncomingVersion: c.Incoming.Version,
			Resolution:      c.Resolution,
		})
		if err != nil {
			h.logger.Printf("Failed to marshal conflict data: %v", err)
			continue
		}
		h.server.Broadcast(Message{
			Type:      MessageTypeConflict,
			Timestamp: c.DetectedAt,
			Data:      conflictJSON,
		})
	}

	h.broadcastStats()
}

// broadcastStats sends aggregated counts across all watched sessions.
func (h *Handler) broadcastStats() {
	h.mu.Lock()
	stats := StatsData{ByStatus: make(map[string]int), Sessions: len(h.byStatus)}
	for _, counts := range h.byStatus {
		for status, n := range counts {
			stats.ByStatus[string(status)] += n
			stats.Total += n
		}
	}
	h.mu.Unlock()

	dataJSON, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// GetStats returns the current aggregated statistics.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := StatsData{ByStatus: make(map[string]int), Sessions: len(h.byStatus)}
	for _, counts := range h.byStatus {
		for status, n := range counts {
			stats.ByStatus[string(status)] += n
			stats.Total += n
		}
	}
	return stats
}
