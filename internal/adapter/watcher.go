package adapter

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chittyos/todosync/internal/todo"
)

// Publisher receives raw mutation payloads for queue ingestion.
type Publisher interface {
	Publish(body []byte)
}

// Watcher monitors a todo directory and publishes changed files to the
// ingestion queue. Rapid successive writes to the same file (editor save
// patterns) are debounced so each burst publishes once.
type Watcher struct {
	dir       string
	publisher Publisher
	debounce  time.Duration
	logger    *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	timers  map[string]*time.Timer
}

// NewWatcher creates a Watcher for dir publishing to pub. A debounce of
// zero defaults to 250ms.
func NewWatcher(dir string, pub Publisher, debounce time.Duration, logger *log.Logger) (*Watcher, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		dir:       dir,
		publisher: pub,
		debounce:  debounce,
		logger:    logger,
		watcher:   fw,
		done:      make(chan struct{}),
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. The watcher must not already be running.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and blocks until the event loop has exited.
// Debounce timers still pending are cancelled without publishing.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			// Deletions and renames carry no publishable content; the
			// next full run reconciles removals.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watch error: %v", err)
		}
	}
}

// schedule (re)arms the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		running := w.running
		w.mu.Unlock()

		if running {
			w.publish(path)
		}
	})
}

// publish reads the settled file and hands it to the queue as a raw
// mutation payload.
func (w *Watcher) publish(path string) {
	t, err := todo.ReadTodoFile(path)
	if err != nil {
		w.logger.Printf("Skipping unreadable todo file %s: %v", path, err)
		return
	}

	raw := todo.RawTodo{
		ID:           t.ID,
		SessionID:    t.SessionID,
		Content:      t.Content,
		Status:       t.Status,
		Version:      t.Version,
		OriginBranch: t.OriginBranch,
		OriginCommit: t.OriginCommit,
		ExternalRef:  t.ExternalRef,
	}
	body, err := json.Marshal(raw)
	if err != nil {
		w.logger.Printf("Failed to marshal todo %s: %v", t.ID, err)
		return
	}

	w.publisher.Publish(body)
	w.logger.Printf("Published change for todo %s (session %s)", t.ID, t.SessionID)
}
