package pipeline

import "time"

// Stage names the five fixed pipeline stages.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageTransform Stage = "transform"
	StageEnrich    Stage = "enrich"
	StageStore     Stage = "store"
	StageNotify    Stage = "notify"
)

// Stats captures per-stage outcomes for one Process call.
//
// Per-item and per-backend failures land here instead of aborting the
// batch; callers inspect the counters to decide whether to surface
// degradation to an operator.
type Stats struct {
	// Input is the raw batch size
	Input int

	// Processed is the number of items that made it through validation
	Processed int

	// ValidationDropped counts malformed records (missing content or
	// session) excluded in stage 1
	ValidationDropped int

	// MintFailed counts records dropped because no ID could be minted
	MintFailed int

	// Enriched counts items with provider insights attached
	Enriched int

	// EnrichErrors counts per-item enrichment failures (item kept,
	// enrichment fields empty)
	EnrichErrors int

	// Conflicts counts version conflicts detected by the consistency domain
	Conflicts int

	// StoreErrors counts failed secondary backend writes
	StoreErrors int

	// NotifyErrors counts failed notification deliveries
	NotifyErrors int

	// StageDurations records wall time per stage
	StageDurations map[Stage]time.Duration
}
