package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"rental_dedupe/imagehash"
	"rental_dedupe/models"
	"rental_dedupe/phone"
	"rental_dedupe/storage"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// perceptual hashes at known distances from hashA
const (
	hashA       = "ffffffffffffffff"
	hashLikely  = "ffffffffffffff00" // 8 bits off, 0.875
	hashAIZone  = "fffffffffffff000" // 12 bits off, 0.8125
	hashUnalike = "0000000000000000"
)

var florentin = models.GeoPoint{Lat: 32.0566, Lng: 34.7690}

func hashesOf(hex string) imagehash.Hashes {
	return imagehash.Hashes{Perceptual: hex, Difference: hex, Average: hex}
}

func floatPtr(v float64) *float64 { return &v }

type stubHasher struct {
	mu     sync.Mutex
	hashes map[string]imagehash.Hashes
	calls  map[string]int
}

func newStubHasher(hashes map[string]string) *stubHasher {
	h := &stubHasher{hashes: map[string]imagehash.Hashes{}, calls: map[string]int{}}
	for url, hex := range hashes {
		h.hashes[url] = hashesOf(hex)
	}
	return h
}

func (h *stubHasher) Hash(_ context.Context, url string) imagehash.Hashes {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[url]++
	return h.hashes[url]
}

func (h *stubHasher) Calls(url string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[url]
}

type stubComparer struct {
	confidence int
	err        error
	calls      atomic.Int32
}

func (c *stubComparer) CompareImages(_ context.Context, _, _ string) (int, error) {
	c.calls.Add(1)
	return c.confidence, c.err
}

func listingCandidate(platform, sourceID string) *models.ListingCandidate {
	loc := florentin
	return &models.ListingCandidate{
		Title:          "Bright 3 room apartment in Florentin",
		Description:    "Renovated, sunny balcony, second floor, close to the market",
		Price:          floatPtr(6500),
		Currency:       "ils",
		Location:       &loc,
		Address:        "12 Vital Street",
		City:           "Tel Aviv",
		Phone:          "050-123-4567",
		SourcePlatform: platform,
		SourceID:       sourceID,
		SourceURL:      "https://example.com/" + platform + "/" + sourceID,
	}
}

func seedRecord(t *testing.T, store storage.Store, c *models.ListingCandidate, created time.Time, images ...IncomingImage) *models.Record {
	t.Helper()
	rec := models.NewRecordFromCandidate(c, phone.Normalize(c.Phone), created)
	rec.Images = appendImages(rec.ID, nil, images, created)
	require.NoError(t, store.InsertRecord(context.Background(), rec))
	return rec
}

func newTestEngine(t *testing.T, store storage.Store, hasher ImageHasher, comparer ImageComparer) *ReconciliationEngine {
	t.Helper()
	e := NewReconciliationEngine(store, hasher, comparer, EngineOptions{}, zaptest.NewLogger(t))
	clock := func() time.Time { return baseTime.Add(time.Hour) }
	e.now = clock
	e.merge.now = clock
	e.reviews.now = clock
	return e
}

func getBySource(t *testing.T, store storage.Store, platform, sourceID string) *models.Record {
	t.Helper()
	rec, err := store.GetRecordBySource(context.Background(), platform, sourceID)
	require.NoError(t, err)
	return rec
}

func getRecord(t *testing.T, store storage.Store, id uuid.UUID) *models.Record {
	t.Helper()
	rec, err := store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

var errStorageDown = errors.New("storage unavailable")

// flakyStore fails or hides selected reads to exercise fallback paths
type flakyStore struct {
	storage.Store
	failWindow  bool
	hideSources atomic.Int32 // number of GetRecordBySource calls to answer with nil
	hideWindow  atomic.Int32 // number of ListActiveRecords calls to answer empty
}

func (s *flakyStore) GetRecordBySource(ctx context.Context, platform, sourceID string) (*models.Record, error) {
	if s.hideSources.Add(-1) >= 0 {
		return nil, nil
	}
	return s.Store.GetRecordBySource(ctx, platform, sourceID)
}

func (s *flakyStore) ListActiveRecords(ctx context.Context, limit int) ([]*models.Record, error) {
	if s.failWindow {
		return nil, errStorageDown
	}
	if s.hideWindow.Add(-1) >= 0 {
		return nil, nil
	}
	return s.Store.ListActiveRecords(ctx, limit)
}
