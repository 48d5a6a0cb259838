package workers

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"rental_dedupe/metrics"
	"rental_dedupe/models"
	"rental_dedupe/services"
	"rental_dedupe/storage"
)

const scanWorkerName = "scan"

// Scanner compares one stored record against the records created before it
type Scanner interface {
	ScanRecord(ctx context.Context, rec *models.Record) (*services.ScanResult, error)
}

// ScanStats counts the outcome of one full pass
type ScanStats struct {
	Scanned  int
	Merged   int
	Reviewed int
	Errors   int
}

// ScanWorker walks every stored record in creation order and lets the
// engine merge or queue for review the pairs that slipped past ingest
type ScanWorker struct {
	store     storage.Queries
	engine    Scanner
	batchSize int
	triggerCh chan struct{}
	running   atomic.Bool
	logger    *zap.Logger
}

// NewScanWorker creates a new scan worker
func NewScanWorker(store storage.Queries, engine Scanner, batchSize int, logger *zap.Logger) *ScanWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ScanWorker{
		store:     store,
		engine:    engine,
		batchSize: batchSize,
		triggerCh: make(chan struct{}, 1),
		logger:    logger,
	}
}

// Trigger causes the worker to start a pass unless one is already queued
func (w *ScanWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run performs a pass on every trigger until ctx is done
func (w *ScanWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("scan worker stopping")
			return
		case <-w.triggerCh:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("scan pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce scans every record once. Errors on single records are logged and
// counted; a paging error ends the pass.
func (w *ScanWorker) RunOnce(ctx context.Context) (*ScanStats, error) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Info("scan already running, skipping")
		return &ScanStats{}, nil
	}
	defer w.running.Store(false)

	stats := &ScanStats{}
	page := storage.Page{Limit: w.batchSize}
	for {
		records, err := w.store.ListRecordsPage(ctx, page)
		if err != nil {
			return stats, fmt.Errorf("list records: %w", err)
		}
		if len(records) == 0 {
			break
		}

		for _, rec := range records {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			w.scanOne(ctx, rec, stats)
		}

		if len(records) < page.Limit {
			break
		}
		page = page.Next(records[len(records)-1])
	}

	w.logger.Info("scan pass done",
		zap.Int("scanned", stats.Scanned),
		zap.Int("merged", stats.Merged),
		zap.Int("reviewed", stats.Reviewed),
		zap.Int("errors", stats.Errors),
	)
	return stats, nil
}

func (w *ScanWorker) scanOne(ctx context.Context, rec *models.Record, stats *ScanStats) {
	stats.Scanned++
	res, err := w.engine.ScanRecord(ctx, rec)
	if err != nil {
		stats.Errors++
		metrics.WorkerItemsTotal.WithLabelValues(scanWorkerName, "error").Inc()
		w.logger.Warn("scan record failed", zap.String("record_id", rec.ID.String()), zap.Error(err))
		return
	}
	metrics.WorkerItemsTotal.WithLabelValues(scanWorkerName, "ok").Inc()

	switch res.Action {
	case models.ActionMerge:
		stats.Merged++
		w.logger.Info("scan merged record",
			zap.String("record_id", rec.ID.String()),
			zap.Stringer("master_id", res.MatchedRecordID),
			zap.Float64("score", res.Score),
		)
	case models.ActionReview:
		stats.Reviewed++
	}
}
