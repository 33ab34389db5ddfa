package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database status",
	Long: `Display the current state of the local todosync database.

Shows:
  - Database location and size
  - Number of stored todos
  - Conflict count for a session (with --session)
  - Step checkpoints for a run (with --run)`,
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		runID, _ := cmd.Flags().GetString("run")

		dbPath := filepath.Join(dataDir(), "todosync.db")
		info, err := os.Stat(dbPath)
		if os.IsNotExist(err) {
			fmt.Println("Database not initialized")
			fmt.Println("   Run 'todosync sync' or 'todosync serve' to create it")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking database: %v\n", err)
			os.Exit(1)
		}

		primary, err := openPrimary()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer primary.Close()

		ctx := context.Background()
		todoCount, err := primary.TodoCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting todos: %v\n", err)
			os.Exit(1)
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\nTodosync Status\n\n")
		fmt.Printf("Location: %s\n", dbPath)
		fmt.Printf("Size: %s\n", sizeStr)
		fmt.Printf("Todos: %d\n", todoCount)
		fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))

		if sessionID != "" {
			conflicts, err := primary.ConflictCount(ctx, sessionID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting conflicts: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Conflicts (%s): %d\n", sessionID, conflicts)
		}

		if runID != "" {
			steps, err := primary.ListSteps(ctx, runID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing steps: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("\nRun %s:\n", runID)
			if len(steps) == 0 {
				fmt.Println("   no checkpoints recorded")
			}
			for _, step := range steps {
				fmt.Printf("   %-20s %-10s %s\n", step.Step, step.Status, step.Detail)
			}
		}
		fmt.Println()
	},
}

func init() {
	statusCmd.Flags().String("session", "", "show conflict count for this session")
	statusCmd.Flags().String("run", "", "show step checkpoints for this run")
	rootCmd.AddCommand(statusCmd)
}
