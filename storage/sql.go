package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"rental_dedupe/identity"
	"rental_dedupe/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type rowIterator interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// executor hides the difference between pgx and database/sql
type executor interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	QueryRow(ctx context.Context, query string, args ...any) rowScanner
	Query(ctx context.Context, query string, args ...any) (rowIterator, error)
	IsUniqueViolation(err error) bool
}

// sqlQueries implements Queries for any SQL backend; flavor selects the
// placeholder style and locking support.
type sqlQueries struct {
	db     executor
	flavor sqlbuilder.Flavor
}

var recordColumns = []string{
	"id", "title", "description", "price", "currency", "lat", "lng",
	"address", "city", "neighborhood", "phone_original", "phone_normalized",
	"source_platform", "source_id", "source_url", "duplicate_status",
	"master_record_id", "duplicate_score", "first_seen_at", "last_seen_at",
	"deleted_at", "created_at", "updated_at",
}

var imageColumns = []string{
	"id", "record_id", "url", "phash", "dhash", "ahash", "image_order",
	"is_primary", "storage_key", "hash_attempts", "created_at",
}

var reviewColumns = []string{
	"id", "candidate", "candidate_source_platform", "candidate_source_id",
	"subject_record_id", "matched_record_id", "score", "score_breakdown",
	"status", "reviewed_by", "decision", "created_at", "reviewed_at",
}

var mergeHistoryColumns = []string{
	"id", "master_record_id", "absorbed_record_id", "absorbed_source_platform",
	"absorbed_source_id", "merged_fields", "previous_values", "reason", "merged_at",
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// =============================================================================
// Records
// =============================================================================

func (q *sqlQueries) selectRecords() *sqlbuilder.SelectBuilder {
	sb := q.flavor.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("records")
	return sb
}

func (q *sqlQueries) GetRecord(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	sb := q.selectRecords()
	sb.Where(sb.Equal("id", id))
	return q.getRecord(ctx, sb)
}

func (q *sqlQueries) GetRecordForUpdate(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	sb := q.selectRecords()
	sb.Where(sb.Equal("id", id))
	if q.flavor == sqlbuilder.PostgreSQL {
		sb.ForUpdate()
	}
	return q.getRecord(ctx, sb)
}

func (q *sqlQueries) GetRecordBySource(ctx context.Context, platform, sourceID string) (*models.Record, error) {
	sb := q.selectRecords()
	sb.Where(
		sb.Equal("source_platform", platform),
		sb.Equal("source_id", sourceID),
		sb.IsNull("deleted_at"),
	)
	return q.getRecord(ctx, sb)
}

func (q *sqlQueries) GetRecordBySourceURL(ctx context.Context, urlKey string) (*models.Record, error) {
	sb := q.selectRecords()
	sb.Where(
		sb.Equal("source_url_key", urlKey),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at", "id")
	sb.Limit(1)
	return q.getRecord(ctx, sb)
}

func (q *sqlQueries) ListActiveRecords(ctx context.Context, limit int) ([]*models.Record, error) {
	sb := q.selectRecords()
	sb.Where(sb.IsNull("deleted_at"))
	sb.OrderBy("last_seen_at DESC", "id")
	sb.Limit(limit)
	return q.listRecords(ctx, sb)
}

func (q *sqlQueries) ListRecordsPage(ctx context.Context, page Page) ([]*models.Record, error) {
	sb := q.selectRecords()
	sb.Where(
		sb.IsNull("deleted_at"),
		sb.Or(
			sb.GreaterThan("created_at", page.AfterCreatedAt),
			sb.And(
				sb.Equal("created_at", page.AfterCreatedAt),
				sb.GreaterThan("id", page.AfterID),
			),
		),
	)
	sb.OrderBy("created_at", "id")
	sb.Limit(page.Limit)
	return q.listRecords(ctx, sb)
}

func (q *sqlQueries) getRecord(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.Record, error) {
	query, args := sb.Build()
	r, err := scanRecord(q.db.QueryRow(ctx, query, args...))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := q.attachImages(ctx, []*models.Record{r}); err != nil {
		return nil, err
	}
	return r, nil
}

func (q *sqlQueries) listRecords(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]*models.Record, error) {
	query, args := sb.Build()
	records, err := collect(ctx, q.db, query, args, scanRecord)
	if err != nil {
		return nil, err
	}
	if err := q.attachImages(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (q *sqlQueries) InsertRecord(ctx context.Context, r *models.Record) error {
	lat, lng := coordinates(r.Location)

	ib := q.flavor.NewInsertBuilder()
	ib.InsertInto("records")
	cols := append(append([]string{}, recordColumns...), "source_url_key")
	ib.Cols(cols...)
	ib.Values(
		r.ID, r.Title, r.Description, r.Price, r.Currency, lat, lng,
		r.Address, r.City, r.Neighborhood, r.PhoneOriginal, r.PhoneNormalized,
		r.SourcePlatform, r.SourceID, r.SourceURL, string(r.DuplicateStatus),
		r.MasterRecordID, r.DuplicateScore, r.FirstSeenAt, r.LastSeenAt,
		r.DeletedAt, r.CreatedAt, r.UpdatedAt, sourceURLKey(r.SourceURL),
	)

	query, args := ib.Build()
	if _, err := q.db.Exec(ctx, query, args...); err != nil {
		if q.db.IsUniqueViolation(err) {
			return ErrDuplicateSource
		}
		return fmt.Errorf("insert record: %w", err)
	}

	for i := range r.Images {
		r.Images[i].RecordID = r.ID
	}
	return q.InsertImages(ctx, r.Images)
}

func (q *sqlQueries) UpdateRecord(ctx context.Context, r *models.Record) error {
	lat, lng := coordinates(r.Location)

	ub := q.flavor.NewUpdateBuilder()
	ub.Update("records")
	ub.Set(
		ub.Assign("title", r.Title),
		ub.Assign("description", r.Description),
		ub.Assign("price", r.Price),
		ub.Assign("currency", r.Currency),
		ub.Assign("lat", lat),
		ub.Assign("lng", lng),
		ub.Assign("address", r.Address),
		ub.Assign("city", r.City),
		ub.Assign("neighborhood", r.Neighborhood),
		ub.Assign("phone_original", r.PhoneOriginal),
		ub.Assign("phone_normalized", r.PhoneNormalized),
		ub.Assign("source_url", r.SourceURL),
		ub.Assign("source_url_key", sourceURLKey(r.SourceURL)),
		ub.Assign("duplicate_status", string(r.DuplicateStatus)),
		ub.Assign("master_record_id", r.MasterRecordID),
		ub.Assign("duplicate_score", r.DuplicateScore),
		ub.Assign("last_seen_at", r.LastSeenAt),
		ub.Assign("deleted_at", r.DeletedAt),
		ub.Assign("updated_at", r.UpdatedAt),
	)
	ub.Where(ub.Equal("id", r.ID))

	query, args := ub.Build()
	n, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update record %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (q *sqlQueries) ReassignDuplicates(ctx context.Context, fromMaster, toMaster uuid.UUID) (int64, error) {
	ub := q.flavor.NewUpdateBuilder()
	ub.Update("records")
	ub.Set(
		ub.Assign("master_record_id", toMaster),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(
		ub.Equal("master_record_id", fromMaster),
		ub.Equal("duplicate_status", string(models.StatusDuplicate)),
	)

	query, args := ub.Build()
	n, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reassign duplicates of %s: %w", fromMaster, err)
	}
	return n, nil
}

// =============================================================================
// Images
// =============================================================================

func (q *sqlQueries) attachImages(ctx context.Context, records []*models.Record) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]any, len(records))
	byID := make(map[uuid.UUID]*models.Record, len(records))
	for i, r := range records {
		ids[i] = r.ID
		byID[r.ID] = r
	}

	sb := q.flavor.NewSelectBuilder()
	sb.Select(imageColumns...)
	sb.From("record_images")
	sb.Where(sb.In("record_id", ids...))
	sb.OrderBy("record_id", "image_order")

	query, args := sb.Build()
	images, err := collect(ctx, q.db, query, args, scanImage)
	if err != nil {
		return fmt.Errorf("load images: %w", err)
	}
	for _, img := range images {
		if r := byID[img.RecordID]; r != nil {
			r.Images = append(r.Images, *img)
		}
	}
	return nil
}

func (q *sqlQueries) InsertImages(ctx context.Context, images []models.Image) error {
	if len(images) == 0 {
		return nil
	}

	ib := q.flavor.NewInsertBuilder()
	ib.InsertInto("record_images")
	ib.Cols(imageColumns...)
	for _, img := range images {
		ib.Values(
			img.ID, img.RecordID, img.URL, img.Hashes.Perceptual, img.Hashes.Difference,
			img.Hashes.Average, img.Order, img.IsPrimary, img.StorageKey, img.HashAttempts,
			img.CreatedAt,
		)
	}

	query, args := ib.Build()
	if _, err := q.db.Exec(ctx, query, args...); err != nil {
		if q.db.IsUniqueViolation(err) {
			return ErrDuplicateImage
		}
		return fmt.Errorf("insert images: %w", err)
	}
	return nil
}

func (q *sqlQueries) ListImagesMissingHashes(ctx context.Context, maxAttempts, limit int) ([]models.Image, error) {
	sb := q.flavor.NewSelectBuilder()
	sb.Select(imageColumns...)
	sb.From("record_images")
	sb.Where(
		sb.Equal("phash", ""),
		sb.LessThan("hash_attempts", maxAttempts),
		"record_id IN (SELECT id FROM records WHERE deleted_at IS NULL)",
	)
	sb.OrderBy("created_at", "id")
	sb.Limit(limit)

	query, args := sb.Build()
	images, err := collect(ctx, q.db, query, args, scanImage)
	if err != nil {
		return nil, fmt.Errorf("list images missing hashes: %w", err)
	}
	out := make([]models.Image, len(images))
	for i, img := range images {
		out[i] = *img
	}
	return out, nil
}

func (q *sqlQueries) UpdateImage(ctx context.Context, img *models.Image) error {
	ub := q.flavor.NewUpdateBuilder()
	ub.Update("record_images")
	ub.Set(
		ub.Assign("phash", img.Hashes.Perceptual),
		ub.Assign("dhash", img.Hashes.Difference),
		ub.Assign("ahash", img.Hashes.Average),
		ub.Assign("storage_key", img.StorageKey),
		ub.Assign("hash_attempts", img.HashAttempts),
	)
	ub.Where(ub.Equal("id", img.ID))

	query, args := ub.Build()
	n, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update image %s: %w", img.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update image %s: %w", img.ID, ErrNotFound)
	}
	return nil
}

// =============================================================================
// Reviews
// =============================================================================

func (q *sqlQueries) selectReviews() *sqlbuilder.SelectBuilder {
	sb := q.flavor.NewSelectBuilder()
	sb.Select(reviewColumns...)
	sb.From("duplicate_reviews")
	return sb
}

func (q *sqlQueries) getReview(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.DuplicateReview, error) {
	query, args := sb.Build()
	r, err := scanReview(q.db.QueryRow(ctx, query, args...))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (q *sqlQueries) InsertReview(ctx context.Context, r *models.DuplicateReview) error {
	breakdown, err := json.Marshal(r.ScoreBreakdown)
	if err != nil {
		return fmt.Errorf("marshal score breakdown: %w", err)
	}

	ib := q.flavor.NewInsertBuilder()
	ib.InsertInto("duplicate_reviews")
	ib.Cols(reviewColumns...)
	ib.Values(
		r.ID, []byte(r.Candidate), r.CandidateSourcePlatform, r.CandidateSourceID,
		r.SubjectRecordID, r.MatchedRecordID, r.Score, breakdown,
		string(r.Status), r.ReviewedBy, r.Decision, r.CreatedAt, r.ReviewedAt,
	)

	query, args := ib.Build()
	if _, err := q.db.Exec(ctx, query, args...); err != nil {
		if q.db.IsUniqueViolation(err) {
			return ErrDuplicateReview
		}
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (q *sqlQueries) GetReview(ctx context.Context, id uuid.UUID) (*models.DuplicateReview, error) {
	sb := q.selectReviews()
	sb.Where(sb.Equal("id", id))
	return q.getReview(ctx, sb)
}

func (q *sqlQueries) GetReviewForUpdate(ctx context.Context, id uuid.UUID) (*models.DuplicateReview, error) {
	sb := q.selectReviews()
	sb.Where(sb.Equal("id", id))
	if q.flavor == sqlbuilder.PostgreSQL {
		sb.ForUpdate()
	}
	return q.getReview(ctx, sb)
}

func (q *sqlQueries) UpdateReview(ctx context.Context, r *models.DuplicateReview) error {
	ub := q.flavor.NewUpdateBuilder()
	ub.Update("duplicate_reviews")
	ub.Set(
		ub.Assign("status", string(r.Status)),
		ub.Assign("reviewed_by", r.ReviewedBy),
		ub.Assign("decision", r.Decision),
		ub.Assign("reviewed_at", r.ReviewedAt),
	)
	ub.Where(ub.Equal("id", r.ID))

	query, args := ub.Build()
	n, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update review %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update review %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (q *sqlQueries) ListPendingReviews(ctx context.Context, limit int) ([]*models.DuplicateReview, error) {
	sb := q.selectReviews()
	sb.Where(sb.Equal("status", string(models.ReviewPending)))
	sb.OrderBy("score DESC", "created_at")
	sb.Limit(limit)

	query, args := sb.Build()
	reviews, err := collect(ctx, q.db, query, args, scanReview)
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	return reviews, nil
}

func (q *sqlQueries) FindPendingReview(ctx context.Context, matchedID uuid.UUID, platform, sourceID string) (*models.DuplicateReview, error) {
	sb := q.selectReviews()
	sb.Where(
		sb.Equal("matched_record_id", matchedID),
		sb.Equal("candidate_source_platform", platform),
		sb.Equal("candidate_source_id", sourceID),
		sb.Equal("status", string(models.ReviewPending)),
	)
	sb.Limit(1)
	return q.getReview(ctx, sb)
}

func (q *sqlQueries) ListReviewsByCandidate(ctx context.Context, platform, sourceID string) ([]*models.DuplicateReview, error) {
	sb := q.selectReviews()
	sb.Where(
		sb.Equal("candidate_source_platform", platform),
		sb.Equal("candidate_source_id", sourceID),
	)
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	reviews, err := collect(ctx, q.db, query, args, scanReview)
	if err != nil {
		return nil, fmt.Errorf("list reviews for %s/%s: %w", platform, sourceID, err)
	}
	return reviews, nil
}

// =============================================================================
// Merge history
// =============================================================================

func (q *sqlQueries) InsertMergeHistory(ctx context.Context, e *models.MergeHistoryEntry) error {
	fields, err := json.Marshal(e.MergedFields)
	if err != nil {
		return fmt.Errorf("marshal merged fields: %w", err)
	}
	previous, err := json.Marshal(e.PreviousValues)
	if err != nil {
		return fmt.Errorf("marshal previous values: %w", err)
	}

	ib := q.flavor.NewInsertBuilder()
	ib.InsertInto("merge_history")
	ib.Cols(mergeHistoryColumns...)
	ib.Values(
		e.ID, e.MasterRecordID, e.AbsorbedRecordID, e.AbsorbedSourcePlatform,
		e.AbsorbedSourceID, fields, previous, e.Reason, e.MergedAt,
	)

	query, args := ib.Build()
	if _, err := q.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert merge history: %w", err)
	}
	return nil
}

func (q *sqlQueries) ListMergeHistory(ctx context.Context, masterID uuid.UUID) ([]*models.MergeHistoryEntry, error) {
	sb := q.flavor.NewSelectBuilder()
	sb.Select(mergeHistoryColumns...)
	sb.From("merge_history")
	sb.Where(sb.Equal("master_record_id", masterID))
	sb.OrderBy("merged_at", "id")

	query, args := sb.Build()
	entries, err := collect(ctx, q.db, query, args, scanMergeHistory)
	if err != nil {
		return nil, fmt.Errorf("list merge history: %w", err)
	}
	return entries, nil
}

// =============================================================================
// Scanning
// =============================================================================

func collect[T any](ctx context.Context, db executor, query string, args []any, scan func(rowScanner) (*T, error)) ([]*T, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var r models.Record
	var lat, lng *float64
	var status string
	err := row.Scan(
		&r.ID, &r.Title, &r.Description, &r.Price, &r.Currency, &lat, &lng,
		&r.Address, &r.City, &r.Neighborhood, &r.PhoneOriginal, &r.PhoneNormalized,
		&r.SourcePlatform, &r.SourceID, &r.SourceURL, &status,
		&r.MasterRecordID, &r.DuplicateScore, &r.FirstSeenAt, &r.LastSeenAt,
		&r.DeletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.DuplicateStatus = models.DuplicateStatus(status)
	if lat != nil && lng != nil {
		r.Location = &models.GeoPoint{Lat: *lat, Lng: *lng}
	}
	return &r, nil
}

func scanImage(row rowScanner) (*models.Image, error) {
	var img models.Image
	err := row.Scan(
		&img.ID, &img.RecordID, &img.URL, &img.Hashes.Perceptual, &img.Hashes.Difference,
		&img.Hashes.Average, &img.Order, &img.IsPrimary, &img.StorageKey, &img.HashAttempts,
		&img.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func scanReview(row rowScanner) (*models.DuplicateReview, error) {
	var r models.DuplicateReview
	var candidate, breakdown []byte
	var status string
	err := row.Scan(
		&r.ID, &candidate, &r.CandidateSourcePlatform, &r.CandidateSourceID,
		&r.SubjectRecordID, &r.MatchedRecordID, &r.Score, &breakdown,
		&status, &r.ReviewedBy, &r.Decision, &r.CreatedAt, &r.ReviewedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Candidate = json.RawMessage(candidate)
	r.Status = models.ReviewStatus(status)
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &r.ScoreBreakdown); err != nil {
			return nil, fmt.Errorf("decode score breakdown: %w", err)
		}
	}
	return &r, nil
}

func scanMergeHistory(row rowScanner) (*models.MergeHistoryEntry, error) {
	var e models.MergeHistoryEntry
	var fields, previous []byte
	err := row.Scan(
		&e.ID, &e.MasterRecordID, &e.AbsorbedRecordID, &e.AbsorbedSourcePlatform,
		&e.AbsorbedSourceID, &fields, &previous, &e.Reason, &e.MergedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &e.MergedFields); err != nil {
		return nil, fmt.Errorf("decode merged fields: %w", err)
	}
	if err := json.Unmarshal(previous, &e.PreviousValues); err != nil {
		return nil, fmt.Errorf("decode previous values: %w", err)
	}
	return &e, nil
}

func coordinates(p *models.GeoPoint) (lat, lng *float64) {
	if p == nil {
		return nil, nil
	}
	return &p.Lat, &p.Lng
}

func sourceURLKey(raw string) string {
	if raw == "" {
		return ""
	}
	return identity.NormalizeURL(raw)
}
