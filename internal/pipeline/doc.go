// Package pipeline turns batches of raw todo mutation candidates into fully
// processed, storage-ready todos.
//
// Processing runs a fixed sequence of five named stages:
//
//	validate -> transform -> enrich -> store -> notify
//
// Each stage has a configured worker count; stages 2, 3 and 5 fan the batch
// out across contiguous chunks processed concurrently, preserving relative
// order within each chunk. Downstream merge is keyed by id and version, so
// global order across chunks does not matter.
//
// Only two failures abort a batch: a validation failure at the batch
// boundary (context cancelled) and a commit failure on the primary store
// target (the consistency domain). Everything else - invalid records, mint
// failures, enrichment errors, secondary store errors, notification errors -
// is isolated per item or per backend, counted in Stats and logged.
package pipeline
