// intake-replay runs field extraction over recorded chat transcripts and
// prints one JSON result per transcript.
//
// Usage:
//
//	intake-replay --catalog services.json [--concurrency 4] [--fail-on-mismatch] <file-or-dir>...
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/intake/internal/replay"
)

var flags struct {
	catalog        string
	concurrency    int
	failOnMismatch bool
	verbose        bool
}

var rootCmd = &cobra.Command{
	Use:   "intake-replay [flags] <transcript.jsonl|dir>...",
	Short: "Replay recorded transcripts through field extraction",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.catalog, "catalog", "", "JSON file listing catalog services (required)")
	f.IntVar(&flags.concurrency, "concurrency", 4, "transcripts replayed in parallel")
	f.BoolVar(&flags.failOnMismatch, "fail-on-mismatch", false, "exit non-zero when a transcript disagrees with its .expected.json")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging to stderr")

	_ = rootCmd.MarkFlagRequired("catalog")
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cat, err := replay.LoadCatalog(flags.catalog)
	if err != nil {
		return err
	}

	runner := replay.NewRunner(replay.Config{
		Paths:       args,
		Catalog:     cat,
		Concurrency: flags.concurrency,
	}, logger)

	results, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		if res.Failed() {
			failed++
		}
	}

	if flags.failOnMismatch && failed > 0 {
		return fmt.Errorf("%d of %d transcripts failed", failed, len(results))
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
