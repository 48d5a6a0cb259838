package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"rental_dedupe/models"
)

var (
	// ErrNotFound is returned by updates that matched no row
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSource is returned when a live record already holds the
	// (source_platform, source_id) pair being written.
	ErrDuplicateSource = errors.New("record with this source already exists")
	// ErrDuplicateReview is returned when a pending review already exists
	// for the same matched record and candidate source.
	ErrDuplicateReview = errors.New("pending review already exists")
	// ErrDuplicateImage is returned when a record already has an image with the same URL
	ErrDuplicateImage = errors.New("image already attached to record")
)

// Page is a keyset cursor over records ordered by (created_at, id)
type Page struct {
	AfterCreatedAt time.Time
	AfterID        uuid.UUID
	Limit          int
}

// Next returns the cursor following the last record of a page
func (p Page) Next(last *models.Record) Page {
	return Page{AfterCreatedAt: last.CreatedAt, AfterID: last.ID, Limit: p.Limit}
}

// Queries is the storage contract of the reconciliation engine. Reads of a
// single row return nil, nil when nothing matches.
type Queries interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*models.Record, error)
	// GetRecordForUpdate locks the row for the rest of the transaction
	GetRecordForUpdate(ctx context.Context, id uuid.UUID) (*models.Record, error)
	GetRecordBySource(ctx context.Context, platform, sourceID string) (*models.Record, error)
	GetRecordBySourceURL(ctx context.Context, urlKey string) (*models.Record, error)
	// ListActiveRecords returns up to limit non-deleted records, most recently seen first
	ListActiveRecords(ctx context.Context, limit int) ([]*models.Record, error)
	ListRecordsPage(ctx context.Context, page Page) ([]*models.Record, error)
	InsertRecord(ctx context.Context, r *models.Record) error
	UpdateRecord(ctx context.Context, r *models.Record) error
	ReassignDuplicates(ctx context.Context, fromMaster, toMaster uuid.UUID) (int64, error)

	InsertImages(ctx context.Context, images []models.Image) error
	ListImagesMissingHashes(ctx context.Context, maxAttempts, limit int) ([]models.Image, error)
	UpdateImage(ctx context.Context, img *models.Image) error

	InsertReview(ctx context.Context, r *models.DuplicateReview) error
	GetReview(ctx context.Context, id uuid.UUID) (*models.DuplicateReview, error)
	GetReviewForUpdate(ctx context.Context, id uuid.UUID) (*models.DuplicateReview, error)
	UpdateReview(ctx context.Context, r *models.DuplicateReview) error
	ListPendingReviews(ctx context.Context, limit int) ([]*models.DuplicateReview, error)
	FindPendingReview(ctx context.Context, matchedID uuid.UUID, platform, sourceID string) (*models.DuplicateReview, error)
	// ListReviewsByCandidate returns every review raised for a candidate source, oldest first
	ListReviewsByCandidate(ctx context.Context, platform, sourceID string) ([]*models.DuplicateReview, error)

	InsertMergeHistory(ctx context.Context, e *models.MergeHistoryEntry) error
	ListMergeHistory(ctx context.Context, masterID uuid.UUID) ([]*models.MergeHistoryEntry, error)
}

// Store is a Queries implementation that can run a unit of work atomically
type Store interface {
	Queries
	// WithTx runs fn in a transaction, committing when fn returns nil
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Close() error
}
