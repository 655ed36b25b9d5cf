// Package replay runs history extraction over recorded transcripts, for
// regression checks of the extraction rules without a live chat backend.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/intake/internal/collector"
)

const defaultConcurrency = 4

type Config struct {
	Paths       []string // files or directories of *.jsonl transcripts
	Catalog     collector.Catalog
	Concurrency int
}

// Result is the outcome for one transcript.
type Result struct {
	Path       string            `json:"path"`
	Turns      int               `json:"turns"`
	Skipped    int               `json:"skipped_lines,omitempty"`
	Fields     collector.Fields  `json:"fields"`
	Location   string            `json:"location,omitempty"`
	Complete   bool              `json:"complete"`
	Missing    []collector.Field `json:"missing"`
	Mismatches []string          `json:"mismatches,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Failed reports whether the transcript errored or disagreed with its
// expected fields.
func (r Result) Failed() bool {
	return r.Error != "" || len(r.Mismatches) > 0
}

type Runner struct {
	cfg       Config
	collector *collector.Collector
	logger    *slog.Logger
}

func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Runner{
		cfg:       cfg,
		collector: collector.New(cfg.Catalog, nil, logger),
		logger:    logger,
	}
}

// Run replays every transcript and returns results ordered by path. A
// failing transcript is reported in its Result, not as an error.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	files, err := r.discoverFiles()
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}
	r.logger.Info("replaying transcripts", "files", len(files), "concurrency", r.cfg.Concurrency)

	results := make([]Result, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.replayFile(gctx, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) replayFile(ctx context.Context, path string) Result {
	res := Result{Path: path}

	turns, skipped, err := ParseTranscriptFile(path)
	res.Skipped = skipped
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Turns = len(turns)
	res.Fields = r.collector.ExtractFromHistory(ctx, turns)
	res.Location = collector.LocationFromHistory(turns)
	res.Complete = collector.IsComplete(res.Fields)
	res.Missing = collector.MissingFields(res.Fields)
	if res.Missing == nil {
		res.Missing = []collector.Field{}
	}

	want, err := loadExpected(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if want != nil {
		res.Mismatches = compareFields(*want, res.Fields)
	}

	r.logger.Debug("replayed transcript", "path", path, "turns", res.Turns, "complete", res.Complete)
	return res
}

func compareFields(want, got collector.Fields) []string {
	var out []string
	for _, f := range collector.AllFields {
		if w, g := want.Get(f), got.Get(f); w != g {
			out = append(out, fmt.Sprintf("%s: want %q, got %q", f, w, g))
		}
	}
	return out
}

// discoverFiles expands directories into their *.jsonl files, deduplicated
// and sorted.
func (r *Runner) discoverFiles() ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, p := range r.cfg.Paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}
