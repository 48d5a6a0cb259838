package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"rental_dedupe/metrics"
	"rental_dedupe/models"
	"rental_dedupe/services"
)

const batchWorkerName = "ingest"

// Ingester checks a candidate and applies the decision
type Ingester interface {
	Ingest(ctx context.Context, c *models.ListingCandidate) (*services.IngestOutcome, error)
}

// BatchStats tracks aggregate statistics for an ingest batch
type BatchStats struct {
	Processed int
	Created   int
	Updated   int
	Merged    int
	Reviewed  int
	Retried   int
	Errors    int
}

// Aggregate adds an IngestOutcome to the stats
func (s *BatchStats) Aggregate(o *services.IngestOutcome) {
	s.Processed++
	switch o.Result.Action {
	case models.ActionCreate:
		s.Created++
	case models.ActionUpdate:
		s.Updated++
	case models.ActionMerge:
		s.Merged++
	case models.ActionReview:
		s.Reviewed++
	}
	if o.Result.Retried {
		s.Retried++
	}
}

// ToJSON returns JSON-serializable metadata
func (s *BatchStats) ToJSON() json.RawMessage {
	data, _ := json.Marshal(map[string]int{
		"processed": s.Processed,
		"created":   s.Created,
		"updated":   s.Updated,
		"merged":    s.Merged,
		"reviewed":  s.Reviewed,
		"retried":   s.Retried,
		"errors":    s.Errors,
	})
	return data
}

// ItemResult is the outcome of one candidate of a batch
type ItemResult struct {
	Index   int
	Outcome *services.IngestOutcome
	Err     error
}

// BatchReconciler ingests a batch of candidates with bounded concurrency.
// A failing candidate does not stop the batch.
type BatchReconciler struct {
	engine      Ingester
	concurrency int
	logger      *zap.Logger
}

// NewBatchReconciler creates a new BatchReconciler
func NewBatchReconciler(engine Ingester, concurrency int, logger *zap.Logger) *BatchReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &BatchReconciler{engine: engine, concurrency: concurrency, logger: logger}
}

// Run ingests every candidate and returns per-item results in input order
func (b *BatchReconciler) Run(ctx context.Context, candidates []*models.ListingCandidate) ([]ItemResult, *BatchStats, error) {
	results := make([]ItemResult, len(candidates))
	stats := &BatchStats{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i, c := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := b.engine.Ingest(gctx, c)
			results[i] = ItemResult{Index: i, Outcome: out, Err: err}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Errors++
				metrics.WorkerItemsTotal.WithLabelValues(batchWorkerName, "error").Inc()
				b.logger.Warn("ingest failed",
					zap.Int("index", i),
					zap.String("source_platform", c.SourcePlatform),
					zap.String("source_id", c.SourceID),
					zap.Error(err),
				)
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return nil
			}
			stats.Aggregate(out)
			metrics.WorkerItemsTotal.WithLabelValues(batchWorkerName, "ok").Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, stats, err
	}
	if err := ctx.Err(); err != nil {
		return results, stats, err
	}

	b.logger.Info("batch ingested",
		zap.Int("processed", stats.Processed),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("merged", stats.Merged),
		zap.Int("reviewed", stats.Reviewed),
		zap.Int("errors", stats.Errors),
	)
	return results, stats, nil
}

// ReadCandidates decodes a JSON array of listing candidates
func ReadCandidates(r io.Reader) ([]*models.ListingCandidate, error) {
	var candidates []*models.ListingCandidate
	if err := json.NewDecoder(r).Decode(&candidates); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return candidates, nil
}
