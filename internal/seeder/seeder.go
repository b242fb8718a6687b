package seeder

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-detect/internal/logging"
	"github.com/telhawk-systems/telhawk-detect/internal/storage"
)

// EventIndexer writes source events into an index.
type EventIndexer interface {
	IndexEvents(ctx context.Context, index string, events []storage.Event) (*storage.IndexStats, error)
}

// Options controls a seeding run.
type Options struct {
	Index      string
	Count      int
	BatchSize  int
	TimeSpread time.Duration
	EventTypes []string
}

// Seed generates opts.Count events and indexes them in batches.
func Seed(ctx context.Context, indexer EventIndexer, gen *Generator, opts Options, logger *logging.Logger) (*storage.IndexStats, error) {
	if opts.Index == "" {
		return nil, fmt.Errorf("index is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if logger == nil {
		logger = logging.Default()
	}

	events := gen.Generate(opts.Count, opts.TimeSpread, opts.EventTypes)
	total := &storage.IndexStats{}

	for start := 0; start < len(events); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := min(start+opts.BatchSize, len(events))

		stats, err := indexer.IndexEvents(ctx, opts.Index, events[start:end])
		if err != nil {
			return total, fmt.Errorf("batch at %d: %w", start, err)
		}
		total.Indexed += stats.Indexed
		total.Failed += stats.Failed
		total.Errors = append(total.Errors, stats.Errors...)

		logger.DebugContext(ctx, "seed batch indexed", logging.Index(opts.Index), logging.Count(stats.Indexed))
	}

	logger.InfoContext(ctx, "seeding complete",
		logging.Index(opts.Index),
		logging.Count(total.Indexed),
		"failed", total.Failed,
	)
	return total, nil
}
