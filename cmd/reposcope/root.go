package main

import (
	"fmt"
	"os"
	"path/filepath"

	"reposcope/internal/config"
	"reposcope/internal/logging"
	"reposcope/internal/version"

	"github.com/spf13/cobra"
)

var (
	configPathFlag string
	dbPathFlag     string
	userIDFlag     int64
	cfg            *config.Config
	logger         *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reposcope",
	Short: "reposcope - asynchronous git repository analysis",
	Long: `reposcope ingests a remote git repository into three queryable layers:
a file-level import dependency graph, a code-intelligence index decoded from
an uploaded binary, and weekly per-file churn statistics mined from commit
history. Work runs asynchronously on a small worker pool; results are read
back through the query commands once their job has completed.`,
	Version:           version.Version,
	PersistentPreRunE: loadRuntimeConfig,
}

func init() {
	rootCmd.SetVersionTemplate("reposcope version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "path to config.yaml (default .reposcope/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "path to the sqlite database (overrides config)")
	rootCmd.PersistentFlags().Int64Var(&userIDFlag, "user", 1, "tenant user id scoping all jobs and queries")
}

func loadRuntimeConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.LoadConfig(configPathFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dbPathFlag != "" {
		loaded.Database.Path = dbPathFlag
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	level := logging.LogLevel(cfg.Logging.Level)
	format := logging.Format(cfg.Logging.Format)
	logger = logging.NewLogger(logging.Config{Format: format, Level: level})
	return nil
}

func openedDBPath() string {
	return filepath.Clean(cfg.Database.Path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
