package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"rental_dedupe/models"
)

// MemoryStore keeps everything in process. It enforces the same uniqueness
// rules as the SQL schema and backs the engine tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	records map[uuid.UUID]*models.Record
	images  map[uuid.UUID]*models.Image
	reviews map[uuid.UUID]*models.DuplicateReview
	history []*models.MergeHistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*models.Record),
		images:  make(map[uuid.UUID]*models.Image),
		reviews: make(map[uuid.UUID]*models.DuplicateReview),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

// WithTx serializes transactions and restores the previous state when fn fails
func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return ctx.Err()
}

type memorySnapshot struct {
	records map[uuid.UUID]*models.Record
	images  map[uuid.UUID]*models.Image
	reviews map[uuid.UUID]*models.DuplicateReview
	history []*models.MergeHistoryEntry
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memorySnapshot{
		records: make(map[uuid.UUID]*models.Record, len(s.records)),
		images:  make(map[uuid.UUID]*models.Image, len(s.images)),
		reviews: make(map[uuid.UUID]*models.DuplicateReview, len(s.reviews)),
		history: append([]*models.MergeHistoryEntry(nil), s.history...),
	}
	for id, r := range s.records {
		snap.records[id] = copyRecord(r)
	}
	for id, img := range s.images {
		c := *img
		snap.images[id] = &c
	}
	for id, r := range s.reviews {
		c := *r
		snap.reviews[id] = &c
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = snap.records
	s.images = snap.images
	s.reviews = snap.reviews
	s.history = snap.history
}

// =============================================================================
// Records
// =============================================================================

func (s *MemoryStore) GetRecord(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return s.withImages(r), nil
}

func (s *MemoryStore) GetRecordForUpdate(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	return s.GetRecord(ctx, id)
}

func (s *MemoryStore) GetRecordBySource(ctx context.Context, platform, sourceID string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if !r.IsDeleted() && r.SourcePlatform == platform && r.SourceID == sourceID {
			return s.withImages(r), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetRecordBySourceURL(ctx context.Context, urlKey string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Record
	for _, r := range s.records {
		if r.IsDeleted() || sourceURLKey(r.SourceURL) != urlKey {
			continue
		}
		if found == nil || createdBefore(r, found) {
			found = r
		}
	}
	if found == nil {
		return nil, nil
	}
	return s.withImages(found), nil
}

func (s *MemoryStore) ListActiveRecords(ctx context.Context, limit int) ([]*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.activeRecords()
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	return s.limitWithImages(active, limit), nil
}

func (s *MemoryStore) ListRecordsPage(ctx context.Context, page Page) ([]*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := &models.Record{ID: page.AfterID, CreatedAt: page.AfterCreatedAt}
	var after []*models.Record
	for _, r := range s.activeRecords() {
		if createdBefore(cursor, r) {
			after = append(after, r)
		}
	}
	sort.Slice(after, func(i, j int) bool { return createdBefore(after[i], after[j]) })
	return s.limitWithImages(after, page.Limit), nil
}

func (s *MemoryStore) InsertRecord(ctx context.Context, r *models.Record) error {
	s.mu.Lock()
	if _, exists := s.records[r.ID]; exists {
		s.mu.Unlock()
		return ErrDuplicateSource
	}
	if !r.IsDeleted() {
		for _, other := range s.records {
			if !other.IsDeleted() && other.SourcePlatform == r.SourcePlatform && other.SourceID == r.SourceID {
				s.mu.Unlock()
				return ErrDuplicateSource
			}
		}
	}
	stored := copyRecord(r)
	stored.Images = nil
	s.records[r.ID] = stored
	s.mu.Unlock()

	for i := range r.Images {
		r.Images[i].RecordID = r.ID
	}
	return s.InsertImages(ctx, r.Images)
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, r *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[r.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copyRecord(r)
	updated.Images = nil
	updated.SourcePlatform = existing.SourcePlatform
	updated.SourceID = existing.SourceID
	updated.FirstSeenAt = existing.FirstSeenAt
	updated.CreatedAt = existing.CreatedAt
	s.records[r.ID] = updated
	return nil
}

func (s *MemoryStore) ReassignDuplicates(ctx context.Context, fromMaster, toMaster uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, r := range s.records {
		if r.DuplicateStatus == models.StatusDuplicate && r.MasterRecordID != nil && *r.MasterRecordID == fromMaster {
			id := toMaster
			r.MasterRecordID = &id
			r.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) activeRecords() []*models.Record {
	out := make([]*models.Record, 0, len(s.records))
	for _, r := range s.records {
		if !r.IsDeleted() {
			out = append(out, r)
		}
	}
	return out
}

func (s *MemoryStore) limitWithImages(records []*models.Record, limit int) []*models.Record {
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]*models.Record, len(records))
	for i, r := range records {
		out[i] = s.withImages(r)
	}
	return out
}

// withImages returns a detached copy of r with its images attached
func (s *MemoryStore) withImages(r *models.Record) *models.Record {
	c := copyRecord(r)
	c.Images = nil
	for _, img := range s.images {
		if img.RecordID == r.ID {
			c.Images = append(c.Images, *img)
		}
	}
	sort.Slice(c.Images, func(i, j int) bool { return c.Images[i].Order < c.Images[j].Order })
	return c
}

func createdBefore(a, b *models.Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func copyRecord(r *models.Record) *models.Record {
	c := *r
	if r.Location != nil {
		loc := *r.Location
		c.Location = &loc
	}
	if r.MasterRecordID != nil {
		id := *r.MasterRecordID
		c.MasterRecordID = &id
	}
	c.Price = copyPtr(r.Price)
	c.DuplicateScore = copyPtr(r.DuplicateScore)
	c.DeletedAt = copyPtr(r.DeletedAt)
	c.Images = append([]models.Image(nil), r.Images...)
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// =============================================================================
// Images
// =============================================================================

func (s *MemoryStore) InsertImages(ctx context.Context, images []models.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range images {
		for _, existing := range s.images {
			if existing.RecordID == images[i].RecordID && existing.URL == images[i].URL {
				return ErrDuplicateImage
			}
		}
		img := images[i]
		s.images[img.ID] = &img
	}
	return nil
}

func (s *MemoryStore) ListImagesMissingHashes(ctx context.Context, maxAttempts, limit int) ([]models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Image
	for _, img := range s.images {
		r, ok := s.records[img.RecordID]
		if !ok || r.IsDeleted() {
			continue
		}
		if img.Hashes.Perceptual == "" && img.HashAttempts < maxAttempts {
			out = append(out, *img)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateImage(ctx context.Context, img *models.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.images[img.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Hashes = img.Hashes
	existing.StorageKey = img.StorageKey
	existing.HashAttempts = img.HashAttempts
	return nil
}

// =============================================================================
// Reviews
// =============================================================================

func (s *MemoryStore) InsertReview(ctx context.Context, r *models.DuplicateReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == models.ReviewPending {
		if s.findPending(r.MatchedRecordID, r.CandidateSourcePlatform, r.CandidateSourceID) != nil {
			return ErrDuplicateReview
		}
	}
	s.reviews[r.ID] = copyReview(r)
	return nil
}

func (s *MemoryStore) GetReview(ctx context.Context, id uuid.UUID) (*models.DuplicateReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[id]
	if !ok {
		return nil, nil
	}
	return copyReview(r), nil
}

func (s *MemoryStore) GetReviewForUpdate(ctx context.Context, id uuid.UUID) (*models.DuplicateReview, error) {
	return s.GetReview(ctx, id)
}

func (s *MemoryStore) UpdateReview(ctx context.Context, r *models.DuplicateReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.reviews[r.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = r.Status
	existing.ReviewedBy = r.ReviewedBy
	existing.Decision = r.Decision
	existing.ReviewedAt = r.ReviewedAt
	return nil
}

func (s *MemoryStore) ListPendingReviews(ctx context.Context, limit int) ([]*models.DuplicateReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DuplicateReview
	for _, r := range s.reviews {
		if r.Status == models.ReviewPending {
			out = append(out, copyReview(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindPendingReview(ctx context.Context, matchedID uuid.UUID, platform, sourceID string) (*models.DuplicateReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findPending(matchedID, platform, sourceID); r != nil {
		return copyReview(r), nil
	}
	return nil, nil
}

func (s *MemoryStore) ListReviewsByCandidate(ctx context.Context, platform, sourceID string) ([]*models.DuplicateReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DuplicateReview
	for _, r := range s.reviews {
		if r.CandidateSourcePlatform == platform && r.CandidateSourceID == sourceID {
			out = append(out, copyReview(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

func (s *MemoryStore) findPending(matchedID uuid.UUID, platform, sourceID string) *models.DuplicateReview {
	for _, r := range s.reviews {
		if r.Status == models.ReviewPending && r.MatchedRecordID == matchedID &&
			r.CandidateSourcePlatform == platform && r.CandidateSourceID == sourceID {
			return r
		}
	}
	return nil
}

func copyReview(r *models.DuplicateReview) *models.DuplicateReview {
	c := *r
	c.Candidate = append(json.RawMessage(nil), r.Candidate...)
	return &c
}

// =============================================================================
// Merge history
// =============================================================================

func (s *MemoryStore) InsertMergeHistory(ctx context.Context, e *models.MergeHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.history = append(s.history, &c)
	return nil
}

func (s *MemoryStore) ListMergeHistory(ctx context.Context, masterID uuid.UUID) ([]*models.MergeHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MergeHistoryEntry
	for _, e := range s.history {
		if e.MasterRecordID == masterID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MergedAt.Before(out[j].MergedAt) })
	return out, nil
}
