package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chittyos/todosync/internal/adapter"
	"github.com/chittyos/todosync/internal/dashboard"
	"github.com/chittyos/todosync/internal/pipeline"
	"github.com/chittyos/todosync/internal/queue"
	"github.com/chittyos/todosync/internal/state"
	"github.com/chittyos/todosync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine as a long-lived service",
	Long: `Run the continuous synchronization service.

The service:
  - Watches the todo directory and publishes changed files to the
    ingestion queue
  - Consumes queued mutations through the processing pipeline into
    session state (at-least-once, with dead-lettering)
  - Serves a WebSocket dashboard broadcasting mutations and conflicts

Example usage:
  todosync serve                 # Dashboard on default port 8080
  todosync serve --port 9000     # Custom dashboard port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")

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
		}, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building pipeline: %v\n", err)
			os.Exit(1)
		}

		// Ingestion queue and its consumer
		q := queue.NewMemoryQueue(16)
		consumer, err := queue.New(q, processor, &queue.Config{
			BatchTimeout: 30 * time.Second,
			MaxAttempts:  5,
			Logger:       newLogger("[consumer] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building consumer: %v\n", err)
			os.Exit(1)
		}

		// File watcher feeding the queue
		watcher, err := adapter.NewWatcher(todosDir(), q, 250*time.Millisecond, newLogger("[watcher] "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating watcher: %v\n", err)
			os.Exit(1)
		}
		if err := os.MkdirAll(todosDir(), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating todos directory: %v\n", err)
			os.Exit(1)
		}
		if err := watcher.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting watcher: %v\n", err)
			os.Exit(1)
		}

		// Dashboard
		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: newLogger("[dashboard] "),
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}
		handler := dashboard.NewHandler(server, newLogger("[dashboard] "))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Sessions appear lazily as mutations arrive; attach the dashboard
		// to each new one.
		go watchSessions(ctx, registry, handler)

		consumerDone := make(chan error, 1)
		go func() {
			consumerDone <- consumer.Run(ctx)
		}()

		fmt.Printf("Todosync service started\n")
		fmt.Printf("   Todos dir: %s\n", todosDir())
		fmt.Printf("   Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n", port, port)
		fmt.Println("\nPress Ctrl+C to stop")

		select {
		case <-ctx.Done():
		case err := <-consumerDone:
			if err != nil {
				fmt.Fprintf(os.Stderr, "Consumer stopped with error: %v\n", err)
			}
		}

		fmt.Println("\nShutting down...")
		cancel()
		if err := watcher.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping watcher: %v\n", err)
		}
		handler.Stop()
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
		}
		fmt.Println("Todosync service stopped")
	},
}

// watchSessions attaches the dashboard handler to sessions as they are
// created by incoming mutations.
func watchSessions(ctx context.Context, registry *state.Registry, handler *dashboard.Handler) {
	watched := make(map[string]bool)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range registry.SessionIDs() {
				if watched[id] {
					continue
				}
				sess, err := registry.Session(ctx, id)
				if err != nil {
					continue
				}
				handler.Watch(sess)
				watched[id] = true
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Dashboard port to listen on")
	rootCmd.AddCommand(serveCmd)
}
