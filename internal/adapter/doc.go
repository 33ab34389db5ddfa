// Package adapter connects external todo sources to the engine.
//
// FileAdapter reads a directory of per-todo JSON files and serves the
// workflow orchestrator's ingest step. Watcher monitors the same layout
// with fsnotify and publishes changed records to the ingestion queue, so
// edits land in the consistency domain without waiting for the next full
// synchronization run.
package adapter
