package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cyclegc/pkg/bench"
	"cyclegc/pkg/telemetry"
)

var (
	benchOps     int
	benchThreads []int
	benchSeed    uint64
	benchOut     string
	benchTrace   string
	benchMetrics string
)

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVar(&benchOps, "ops", 0, "Operations per workload (default from config)")
	cmd.Flags().IntSliceVar(&benchThreads, "threads", nil, "Goroutine counts for the shared workload")
	cmd.Flags().Uint64Var(&benchSeed, "seed", 0, "Random seed (default from config)")
	cmd.Flags().StringVarP(&benchOut, "output", "o", "", "Write CSV here instead of stdout")
	cmd.Flags().StringVar(&benchTrace, "trace", "", "Span exporter: none or stdout (default from config)")
	cmd.Flags().StringVar(&benchMetrics, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Run the allocation workloads and print CSV timings",
		Long: `The bench command runs one single-goroutine workload and one shared
workload per thread count. Every workload ends by dropping all handles and
collecting, and fails if any allocation was not finalized exactly once.

Each output line is: name,test_type,n_threads,n_ops,time_us`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd)
		},
	}
}

func runBench(cmd *cobra.Command) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if benchOps > 0 {
		cfg.Bench.Ops = benchOps
	}
	if len(benchThreads) > 0 {
		cfg.Bench.Threads = benchThreads
	}
	if benchTrace != "" {
		cfg.Telemetry.TraceExporter = benchTrace
	}
	if benchMetrics != "" {
		cfg.Telemetry.MetricsAddr = benchMetrics
	}
	if cmd.Flags().Changed("seed") {
		cfg.Bench.Seed = benchSeed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdown, err := telemetry.Setup(cmd.Context(), cfg.Telemetry, os.Stderr, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	results, err := bench.Run(cmd.Context(), cfg, log)
	if err != nil {
		return fmt.Errorf("bench failed: %w", err)
	}

	out := os.Stdout
	if benchOut != "" {
		f, err := os.Create(benchOut)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	return bench.WriteCSV(out, results)
}
