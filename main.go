package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"cyclegc/pkg/config"
	"cyclegc/pkg/logging"
)

var (
	configPath string
	logLevel   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "cyclegc",
	Short: "Reference counting with cycle collection",
	Long: `cyclegc drives the single-goroutine and shared collectors through
randomized allocation workloads and reports their timings.

Examples:
  cyclegc bench                          # run with the default configuration
  cyclegc bench --threads 1,2,4 --ops 50000 # override the workload
  cyclegc bench --config cyclegc.yaml -o results.csv
  cyclegc config > cyclegc.yaml          # write the default configuration`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every collection pass")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads --config (or the defaults) and applies the global flags.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return cfg, nil, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	log := logging.New(os.Stderr, cfg.Log)
	cfg.Unsync.Logger = log
	cfg.Shared.Logger = log
	return cfg, log, nil
}
