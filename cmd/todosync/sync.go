package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chittyos/todosync/internal/adapter"
	"github.com/chittyos/todosync/internal/pipeline"
	"github.com/chittyos/todosync/internal/state"
	"github.com/chittyos/todosync/internal/store"
	"github.com/chittyos/todosync/internal/workflow"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full synchronization pass",
	Long: `Run a single checkpointed synchronization pass.

The run:
  1. Ingests todos from the configured file adapter and dedupes by ID
  2. Analyzes the working set (patterns, vectors, context)
  3. Syncs destination mirrors
  4. Pushes the working set through the pipeline into session state
  5. Notifies downstream listeners

Every step is checkpointed to the local database before the next step
begins, so a failed run shows exactly where it stopped.`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetDuration("since")
		source, _ := cmd.Flags().GetString("source")

		logger := newLogger("[todosync] ")

		primary, err := openPrimary()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer primary.Close()

		mirror, err := openMirror()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening postgres mirror: %v\n", err)
			os.Exit(1)
		}
		var secondaries []store.Store
		if mirror != nil {
			defer mirror.Close()
			secondaries = append(secondaries, mirror)
		}

		registry := state.NewRegistry(primary, &state.RegistryConfig{Logger: logger})

		processor, err := pipeline.New(pipeline.Deps{
			Sessions:    registry,
			Minter:      buildMinter(),
			Enricher:    buildEnricher(),
			Secondaries: secondaries,
		}, &pipeline.Config{
			TransformWorkers: 4,
			EnrichWorkers:    4,
			NotifyWorkers:    4,
			EnrichTimeout:    10 * time.Second,
			NotifyTimeout:    5 * time.Second,
			Logger:           logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building pipeline: %v\n", err)
			os.Exit(1)
		}

		orch, err := workflow.New(workflow.Deps{
			Adapters: []workflow.Adapter{
				adapter.NewFileAdapter("file", todosDir(), 1),
			},
			Processor:   processor,
			Checkpoints: primary,
			Enricher:    buildEnricher(),
		}, &workflow.Config{
			MinSyncSuccess: 1,
			EnrichTimeout:  10 * time.Second,
			Logger:         logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building orchestrator: %v\n", err)
			os.Exit(1)
		}

		trigger := workflow.Trigger{Source: source}
		if since > 0 {
			trigger.Since = time.Now().Add(-since)
		}

		fmt.Printf("Syncing from %s...\n", todosDir())
		start := time.Now()

		result, err := orch.Run(context.Background(), trigger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			printSteps(result)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		fmt.Printf("Sync complete in %v\n", elapsed.Round(time.Millisecond))
		fmt.Printf("   Run: %s\n", result.RunID)
		fmt.Printf("   Ingested: %d (%d duplicates dropped)\n", result.Ingested, result.DuplicatesDropped)
		fmt.Printf("   Processed: %d\n", result.Stats.Processed)
		fmt.Printf("   Conflicts: %d\n", result.Stats.Conflicts)
		fmt.Printf("   Dropped: %d invalid, %d unmintable\n", result.Stats.ValidationDropped, result.Stats.MintFailed)
		if result.Stats.EnrichErrors > 0 {
			fmt.Printf("   Enrichment errors: %d\n", result.Stats.EnrichErrors)
		}
	},
}

func printSteps(result *workflow.RunResult) {
	if result == nil {
		return
	}
	for _, step := range result.Steps {
		fmt.Fprintf(os.Stderr, "   %-20s %s", step.Step, step.Status)
		if step.Detail != "" {
			fmt.Fprintf(os.Stderr, " (%s)", step.Detail)
		}
		fmt.Fprintln(os.Stderr)
	}
}

func init() {
	syncCmd.Flags().Duration("since", 0, "only ingest todos changed within this window (0 = everything)")
	syncCmd.Flags().String("source", "manual", "trigger source recorded with the run")
	rootCmd.AddCommand(syncCmd)
}
