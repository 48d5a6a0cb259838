package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"rental_dedupe/imagehash"
	"rental_dedupe/metrics"
	"rental_dedupe/models"
	"rental_dedupe/storage"
)

const (
	// MaxHashAttempts is how many times an image is fetched before it is given up on
	MaxHashAttempts = 3
	mediaWorkerName = "media"
)

// ImageFetcher downloads an image and reports its content type
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// ImageMirror copies image bytes to durable storage and returns the object key
type ImageMirror interface {
	Put(ctx context.Context, sourceURL string, data []byte, contentType string) (string, error)
}

// MediaWorker hashes stored images that were saved without hashes, and
// mirrors them to object storage when a mirror is configured
type MediaWorker struct {
	store     storage.Queries
	fetcher   ImageFetcher
	mirror    ImageMirror
	batchSize int
	pause     time.Duration
	triggerCh chan struct{}
	logger    *zap.Logger
}

// NewMediaWorker creates a new media worker. mirror may be nil.
func NewMediaWorker(store storage.Queries, fetcher ImageFetcher, mirror ImageMirror, batchSize int, logger *zap.Logger) *MediaWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &MediaWorker{
		store:     store,
		fetcher:   fetcher,
		mirror:    mirror,
		batchSize: batchSize,
		pause:     200 * time.Millisecond,
		triggerCh: make(chan struct{}, 1),
		logger:    logger,
	}
}

// Trigger causes the worker to run immediately
func (w *MediaWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// MediaStats counts the outcome of one batch
type MediaStats struct {
	Hashed   int
	Mirrored int
	Failed   int
}

// Run processes a batch on every trigger until ctx is done
func (w *MediaWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("media worker stopping")
			return
		case <-w.triggerCh:
			stats, err := w.ProcessBatch(ctx)
			if err != nil {
				w.logger.Error("media batch failed", zap.Error(err))
				continue
			}
			if stats.Hashed > 0 || stats.Failed > 0 {
				w.logger.Info("media batch done",
					zap.Int("hashed", stats.Hashed),
					zap.Int("mirrored", stats.Mirrored),
					zap.Int("failed", stats.Failed),
				)
			}
		}
	}
}

// ProcessBatch hashes up to one batch of images missing hashes
func (w *MediaWorker) ProcessBatch(ctx context.Context) (MediaStats, error) {
	var stats MediaStats

	images, err := w.store.ListImagesMissingHashes(ctx, MaxHashAttempts, w.batchSize)
	if err != nil {
		return stats, fmt.Errorf("list images: %w", err)
	}

	for i := range images {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		img := &images[i]

		mirrored, err := w.Process(ctx, img)
		if err != nil {
			stats.Failed++
			metrics.WorkerItemsTotal.WithLabelValues(mediaWorkerName, "error").Inc()
			w.logger.Warn("image hash failed",
				zap.String("image_id", img.ID.String()),
				zap.String("url", img.URL),
				zap.Int("attempts", img.HashAttempts),
				zap.Error(err),
			)
		} else {
			stats.Hashed++
			metrics.WorkerItemsTotal.WithLabelValues(mediaWorkerName, "ok").Inc()
			if mirrored {
				stats.Mirrored++
			}
		}

		if w.pause > 0 && i < len(images)-1 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(w.pause):
			}
		}
	}
	return stats, nil
}

// Process fetches one image, hashes it and records the attempt. It reports
// whether the image was mirrored.
func (w *MediaWorker) Process(ctx context.Context, img *models.Image) (bool, error) {
	img.HashAttempts++

	data, contentType, err := w.fetcher.Fetch(ctx, img.URL)
	if err != nil {
		return false, w.saveFailure(ctx, img, fmt.Errorf("fetch: %w", err))
	}

	hashes, err := imagehash.HashBytes(data)
	if err != nil {
		return false, w.saveFailure(ctx, img, err)
	}
	img.Hashes = hashes

	mirrored := false
	if w.mirror != nil && img.StorageKey == nil {
		key, err := w.mirror.Put(ctx, img.URL, data, contentType)
		if err != nil {
			w.logger.Warn("image mirror failed", zap.String("url", img.URL), zap.Error(err))
		} else {
			img.StorageKey = &key
			mirrored = true
		}
	}

	if err := w.store.UpdateImage(ctx, img); err != nil {
		return false, fmt.Errorf("update image: %w", err)
	}
	return mirrored, nil
}

func (w *MediaWorker) saveFailure(ctx context.Context, img *models.Image, cause error) error {
	if err := w.store.UpdateImage(ctx, img); err != nil {
		return errors.Join(cause, fmt.Errorf("update image: %w", err))
	}
	return cause
}
