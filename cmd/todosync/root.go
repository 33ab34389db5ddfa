package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chittyos/todosync/internal/enrich"
	"github.com/chittyos/todosync/internal/mint"
	"github.com/chittyos/todosync/internal/pipeline"
	"github.com/chittyos/todosync/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "todosync",
	Short: "Todo synchronization and conflict-resolution engine",
	Long: `todosync keeps todo state consistent across concurrent writers.

Todos are grouped into sessions, each owned by a single consistency
domain. Writes carry monotonically increasing versions; a write whose
version does not beat the stored one is surfaced as a conflict instead
of silently clobbering newer state.

State is persisted to a local SQLite database and can be mirrored to a
Postgres destination. A background watcher feeds file edits through the
ingestion queue, and a WebSocket dashboard streams mutations and
conflicts to connected clients.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: todosync.yaml in . or $HOME)")
	rootCmd.PersistentFlags().String("data-dir", ".todosync", "data directory for database and todo files")
	rootCmd.PersistentFlags().String("log-file", "", "rotate logs to this file instead of stderr")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("todosync")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("TODOSYNC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

// newLogger builds a prefixed logger. With log_file set, output rotates
// through lumberjack instead of going to stderr.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if path := viper.GetString("log_file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

func dataDir() string {
	return viper.GetString("data_dir")
}

func todosDir() string {
	return filepath.Join(dataDir(), "todos")
}

func openPrimary() (*store.SQLite, error) {
	return store.OpenSQLite(filepath.Join(dataDir(), "todosync.db"))
}

// openMirror returns the Postgres mirror when a DSN is configured, else nil.
func openMirror() (*store.Postgres, error) {
	dsn := viper.GetString("postgres_dsn")
	if dsn == "" {
		return nil, nil
	}
	return store.NewPostgres(dsn)
}

// buildMinter prefers the identity service; without one configured, IDs
// are minted locally (unique per process only).
func buildMinter() pipeline.IDMinter {
	if base := viper.GetString("id_service_url"); base != "" {
		return mint.NewHTTPMinter(base, viper.GetString("id_service_token"))
	}
	return mint.NewLocalMinter()
}

// buildEnricher returns the Claude enricher when enrichment is enabled.
func buildEnricher() pipeline.Enricher {
	if !viper.GetBool("enrich_enabled") {
		return nil
	}
	return enrich.NewClaude(viper.GetString("anthropic_api_key"))
}
