package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chittyos/todosync/internal/state"
	"github.com/chittyos/todosync/internal/store"
	"github.com/chittyos/todosync/internal/todo"
)

// Config holds pipeline configuration.
type Config struct {
	// TransformWorkers is the fan-out width for the transform stage (1 = sequential)
	TransformWorkers int

	// EnrichWorkers is the fan-out width for the enrich stage
	EnrichWorkers int

	// NotifyWorkers is the fan-out width for the notify stage
	NotifyWorkers int

	// EnrichTimeout bounds each per-item enrichment call
	EnrichTimeout time.Duration

	// NotifyTimeout bounds each notification delivery
	NotifyTimeout time.Duration

	// NotifyChannels lists the channels every processed item is announced on
	NotifyChannels []string

	// Logger for pipeline activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TransformWorkers: 4,
		EnrichWorkers:    4,
		NotifyWorkers:    4,
		EnrichTimeout:    10 * time.Second,
		NotifyTimeout:    5 * time.Second,
		Logger:           log.New(os.Stderr, "[pipeline] ", log.LstdFlags),
	}
}

// Deps are the collaborators a Processor drives.
//
// Sessions is required; it is the primary store target and the path by
// which conflict detection happens. Everything else is optional: a nil
// Minter fails items missing an ID, a nil Enricher skips stage 3, a nil
// Notifier skips stage 5.
type Deps struct {
	Sessions    *state.Registry
	Minter      IDMinter
	Enricher    Enricher
	Notifier    Notifier
	Secondaries []store.Store
}

// Processor runs the five-stage pipeline over todo batches.
type Processor struct {
	deps   Deps
	config *Config
}

// New creates a Processor. If config is nil, defaults are used.
func New(deps Deps, config *Config) (*Processor, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session registry cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[pipeline] ", log.LstdFlags)
	}
	if config.TransformWorkers < 1 {
		config.TransformWorkers = 1
	}
	if config.EnrichWorkers < 1 {
		config.EnrichWorkers = 1
	}
	if config.NotifyWorkers < 1 {
		config.NotifyWorkers = 1
	}

	return &Processor{deps: deps, config: config}, nil
}

// Process drives one batch through all five stages.
//
// The returned error is non-nil only for a validation failure at the batch
// boundary or a commit failure on the consistency domain; per-item and
// per-backend failures are captured in Stats.
func (p *Processor) Process(ctx context.Context, batch []todo.RawTodo) ([]todo.Todo, Stats, error) {
	stats := Stats{
		Input:          len(batch),
		StageDurations: make(map[Stage]time.Duration),
	}

	// Stage 1: validate
	start := time.Now()
	items, err := p.validate(ctx, batch, &stats)
	stats.StageDurations[StageValidate] = time.Since(start)
	if err != nil {
		return nil, stats, err
	}
	stats.Processed = len(items)

	// Stage 2: transform
	start = time.Now()
	p.runTransform(items)
	stats.StageDurations[StageTransform] = time.Since(start)

	// Stage 3: enrich
	start = time.Now()
	p.runEnrich(ctx, items, &stats)
	stats.StageDurations[StageEnrich] = time.Since(start)

	// Stage 4: store
	start = time.Now()
	err = p.runStore(ctx, items, &stats)
	stats.StageDurations[StageStore] = time.Since(start)
	if err != nil {
		return nil, stats, err
	}

	// Stage 5: notify
	start = time.Now()
	p.runNotify(ctx, items, &stats)
	stats.StageDurations[StageNotify] = time.Since(start)

	return items, stats, nil
}

// validate drops malformed records and mints IDs for records missing one.
// Invalid records are excluded and counted, never retried.
func (p *Processor) validate(ctx context.Context, batch []todo.RawTodo, stats *Stats) ([]todo.Todo, error) {
	items := make([]todo.Todo, 0, len(batch))

	for _, raw := range batch {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("validation aborted: %w", err)
		}

		if strings.TrimSpace(raw.Content) == "" || raw.SessionID == "" {
			stats.ValidationDropped++
			continue
		}
		if raw.Status != "" && !todo.ValidStatus(raw.Status) {
			stats.ValidationDropped++
			continue
		}

		id := raw.ID
		if id == "" {
			if p.deps.Minter == nil {
				stats.MintFailed++
				p.config.Logger.Printf("Dropping item without ID: no minter configured")
				continue
			}
			minted, err := p.deps.Minter.Mint(ctx, "todo")
			if err != nil {
				stats.MintFailed++
				p.config.Logger.Printf("Dropping item: mint failed: %v", err)
				continue
			}
			id = minted
		}

		t := todo.Todo{
			ID:           id,
			SessionID:    raw.SessionID,
			Content:      raw.Content,
			Status:       raw.Status,
			Version:      raw.Version,
			OriginBranch: raw.OriginBranch,
			OriginCommit: raw.OriginCommit,
			ExternalRef:  raw.ExternalRef,
		}
		t.SetDefaults()
		items = append(items, t)
	}

	return items, nil
}

// runTransform applies the pure normalization stage across chunks.
func (p *Processor) runTransform(items []todo.Todo) {
	var g errgroup.Group
	for _, bounds := range chunkBounds(len(items), p.config.TransformWorkers) {
		shard := items[bounds[0]:bounds[1]]
		g.Go(func() error {
			for i := range shard {
				transform(&shard[i])
			}
			return nil
		})
	}
	_ = g.Wait() // transform never errors
}

// runEnrich calls the enrichment provider per item with a bounded timeout.
// A failed item proceeds with empty enrichment and a recorded error note.
func (p *Processor) runEnrich(ctx context.Context, items []todo.Todo, stats *Stats) {
	if p.deps.Enricher == nil || len(items) == 0 {
		return
	}

	var enriched, failed atomic.Int64

	var g errgroup.Group
	for _, bounds := range chunkBounds(len(items), p.config.EnrichWorkers) {
		shard := items[bounds[0]:bounds[1]]
		g.Go(func() error {
			for i := range shard {
				t := &shard[i]

				ectx, cancel := context.WithTimeout(ctx, p.config.EnrichTimeout)
				insights, err := p.deps.Enricher.Enrich(ectx, *t)
				cancel()

				if err != nil {
					t.EnrichmentError = err.Error()
					failed.Add(1)
					p.config.Logger.Printf("Enrichment failed for %s: %v", t.ID, err)
					continue
				}
				t.Enrichment = &insights
				enriched.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Enriched = int(enriched.Load())
	stats.EnrichErrors = int(failed.Load())
}

// runStore commits each session's slice of the batch through its
// consistency domain cell, then mirrors the accepted records to secondary
// backends best-effort.
func (p *Processor) runStore(ctx context.Context, items []todo.Todo, stats *Stats) error {
	if len(items) == 0 {
		return nil
	}

	// Group by session, preserving batch order within each group.
	order := []string{}
	groups := make(map[string][]todo.Todo)
	for _, t := range items {
		if _, ok := groups[t.SessionID]; !ok {
			order = append(order, t.SessionID)
		}
		groups[t.SessionID] = append(groups[t.SessionID], t)
	}

	for _, sessionID := range order {
		group := groups[sessionID]

		sess, err := p.deps.Sessions.Session(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to open session %s: %w", sessionID, err)
		}

		merged, conflicts, err := sess.Apply(ctx, group)
		if err != nil {
			return fmt.Errorf("failed to apply batch to session %s: %w", sessionID, err)
		}
		stats.Conflicts += len(conflicts)

		// Mirror only the post-merge winners for the IDs this batch
		// touched; conflict losers must not overwrite mirror rows.
		inBatch := make(map[string]bool, len(group))
		for _, t := range group {
			inBatch[t.ID] = true
		}
		accepted := make([]todo.Todo, 0, len(group))
		for _, t := range merged {
			if inBatch[t.ID] {
				accepted = append(accepted, t)
			}
		}

		for _, backend := range p.deps.Secondaries {
			if err := backend.Persist(ctx, accepted); err != nil {
				stats.StoreErrors++
				p.config.Logger.Printf("Secondary store %s failed for session %s: %v",
					backend.Name(), sessionID, err)
			}
		}
	}

	return nil
}

// runNotify fans out fire-and-forget notifications. Delivery results are
// counted and logged only; this stage can never fail the batch.
func (p *Processor) runNotify(ctx context.Context, items []todo.Todo, stats *Stats) {
	if p.deps.Notifier == nil || len(items) == 0 || len(p.config.NotifyChannels) == 0 {
		return
	}

	var failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(p.config.NotifyWorkers)
	for i := range items {
		t := items[i]
		for _, channel := range p.config.NotifyChannels {
			channel := channel
			g.Go(func() error {
				nctx, cancel := context.WithTimeout(ctx, p.config.NotifyTimeout)
				defer cancel()

				if err := p.deps.Notifier.Notify(nctx, t, channel); err != nil {
					failed.Add(1)
					p.config.Logger.Printf("Notification failed for %s on %s: %v", t.ID, channel, err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	stats.NotifyErrors = int(failed.Load())
}

// chunkBounds partitions n items into at most workers contiguous chunks,
// returned as [start, end) index pairs.
func chunkBounds(n, workers int) [][2]int {
	if n == 0 {
		return nil
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers

	var bounds [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		bounds = append(bounds, [2]int{start, end})
	}
	return bounds
}
