// Package workflow implements the checkpointed full-synchronization run.
//
// A run ingests from every configured adapter, deduplicates by ID, fans out
// to parallel analysis branches, fans out again to destination sync targets,
// pushes the working set through the pipeline into the consistency domain,
// and finally notifies downstream listeners of the outcome.
//
// Every named step (ingest, analyze, sync-destinations, update-state,
// notify-downstream) is checkpointed through the store before the next step
// begins: a diagnostic tool can always see which step last completed for a
// run, and a retry can be scoped to the failed step and its successors.
//
// Fan-out branches have partial-failure semantics: a failure in one branch
// is recorded against that branch only and never cancels siblings. The
// orchestrator decides at update-state time whether enough of the
// destination fan-out succeeded to proceed.
package workflow
