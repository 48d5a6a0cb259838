package workers

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"rental_dedupe/models"
	"rental_dedupe/phone"
	"rental_dedupe/services"
	"rental_dedupe/storage"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func floatPtr(v float64) *float64 { return &v }

func florentinCandidate(platform, sourceID string) *models.ListingCandidate {
	return &models.ListingCandidate{
		Title:          "Bright 3 room apartment in Florentin",
		Description:    "Renovated, sunny balcony, second floor, close to the market",
		Price:          floatPtr(6500),
		Currency:       "ILS",
		Location:       &models.GeoPoint{Lat: 32.0566, Lng: 34.7690},
		Address:        "12 Vital Street",
		City:           "Tel Aviv",
		Phone:          "050-123-4567",
		SourcePlatform: platform,
		SourceID:       sourceID,
	}
}

func beershebaCandidate(platform, sourceID string) *models.ListingCandidate {
	return &models.ListingCandidate{
		Title:          "Studio next to the university",
		Description:    "Small furnished studio for students",
		Price:          floatPtr(2500),
		Currency:       "ILS",
		Location:       &models.GeoPoint{Lat: 31.2620, Lng: 34.8010},
		Address:        "5 Rager Boulevard",
		City:           "Beersheba",
		Phone:          "054-777-1111",
		SourcePlatform: platform,
		SourceID:       sourceID,
	}
}

func seedRecord(t *testing.T, store storage.Store, c *models.ListingCandidate, created time.Time, urls ...string) *models.Record {
	t.Helper()
	rec := models.NewRecordFromCandidate(c, phone.Normalize(c.Phone), created)
	for i, url := range urls {
		rec.Images = append(rec.Images, models.Image{
			ID:        uuid.New(),
			RecordID:  rec.ID,
			URL:       url,
			Order:     i,
			IsPrimary: i == 0,
			CreatedAt: created.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, store.InsertRecord(context.Background(), rec))
	return rec
}

func newEngine(t *testing.T, store storage.Store) *services.ReconciliationEngine {
	return services.NewReconciliationEngine(store, nil, nil, services.EngineOptions{}, zaptest.NewLogger(t))
}

// =============================================================================
// Batch
// =============================================================================

func TestBatchReconciler_Run(t *testing.T) {
	store := storage.NewMemoryStore()
	b := NewBatchReconciler(newEngine(t, store), 1, zaptest.NewLogger(t))

	invalid := florentinCandidate("yad2", "broken")
	invalid.Title = ""

	results, stats, err := b.Run(context.Background(), []*models.ListingCandidate{
		florentinCandidate("yad2", "1"),
		florentinCandidate("facebook", "post-1"),
		beershebaCandidate("yad2", "2"),
		invalid,
		florentinCandidate("yad2", "1"),
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, models.ActionCreate, results[0].Outcome.Result.Action)
	assert.Equal(t, models.ActionMerge, results[1].Outcome.Result.Action)
	assert.Equal(t, models.ActionCreate, results[2].Outcome.Result.Action)
	assert.ErrorIs(t, results[3].Err, services.ErrInvalidCandidate)
	assert.Equal(t, models.ActionUpdate, results[4].Outcome.Result.Action)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}

	assert.Equal(t, &BatchStats{Processed: 4, Created: 2, Updated: 1, Merged: 1, Errors: 1}, stats)
	assert.JSONEq(t,
		`{"processed":4,"created":2,"updated":1,"merged":1,"reviewed":0,"retried":0,"errors":1}`,
		string(stats.ToJSON()))
}

type countingIngester struct {
	mu       sync.Mutex
	seen     map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingIngester) Ingest(_ context.Context, cand *models.ListingCandidate) (*services.IngestOutcome, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	c.mu.Lock()
	c.seen[cand.SourceID] = true
	c.mu.Unlock()
	return &services.IngestOutcome{Result: &services.ApplyResult{Action: models.ActionCreate}}, nil
}

func TestBatchReconciler_BoundedConcurrency(t *testing.T) {
	ing := &countingIngester{seen: map[string]bool{}}
	b := NewBatchReconciler(ing, 3, nil)

	var batch []*models.ListingCandidate
	for i := range 12 {
		batch = append(batch, florentinCandidate("yad2", string(rune('a'+i))))
	}
	_, stats, err := b.Run(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, 12, stats.Created)
	assert.Len(t, ing.seen, 12)
	assert.LessOrEqual(t, ing.peak.Load(), int32(3))
}

func TestBatchReconciler_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBatchReconciler(newEngine(t, storage.NewMemoryStore()), 2, nil)
	_, _, err := b.Run(ctx, []*models.ListingCandidate{florentinCandidate("yad2", "1")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadCandidates(t *testing.T) {
	got, err := ReadCandidates(strings.NewReader(`[
		{"title": "Flat", "source_platform": "yad2", "source_id": "1", "price": 5000, "images": ["https://img/a.jpg"]},
		{"title": "Room", "source_platform": "facebook", "source_id": "post-2"}
	]`))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 5000.0, *got[0].Price)
	assert.Equal(t, []string{"https://img/a.jpg"}, got[0].ImageURLs)
	assert.Nil(t, got[1].Price)

	_, err = ReadCandidates(strings.NewReader(`{"title": "not an array"}`))
	assert.Error(t, err)
}

// =============================================================================
// Scan
// =============================================================================

func TestScanWorker_RunOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	older := seedRecord(t, store, florentinCandidate("yad2", "1"), baseTime)
	newer := seedRecord(t, store, florentinCandidate("facebook", "post-1"), baseTime.Add(time.Hour))
	other := seedRecord(t, store, beershebaCandidate("madlan", "9"), baseTime.Add(2*time.Hour))

	w := NewScanWorker(store, newEngine(t, store), 1, zaptest.NewLogger(t))
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ScanStats{Scanned: 3, Merged: 1}, stats)

	got, err := store.GetRecord(context.Background(), newer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDuplicate, got.DuplicateStatus)
	assert.Equal(t, older.ID, *got.MasterRecordID)

	got, err = store.GetRecord(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnique, got.DuplicateStatus)

	t.Run("second pass finds nothing new", func(t *testing.T) {
		stats, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Scanned)
		assert.Zero(t, stats.Merged)
	})
}

type failingScanner struct{ calls atomic.Int32 }

func (f *failingScanner) ScanRecord(_ context.Context, rec *models.Record) (*services.ScanResult, error) {
	if f.calls.Add(1) == 1 {
		return nil, errors.New("boom")
	}
	return &services.ScanResult{RecordID: rec.ID, Action: models.ActionCreate}, nil
}

func TestScanWorker_RecordErrorsDoNotStopPass(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRecord(t, store, florentinCandidate("yad2", "1"), baseTime)
	seedRecord(t, store, beershebaCandidate("yad2", "2"), baseTime.Add(time.Minute))

	w := NewScanWorker(store, &failingScanner{}, 10, nil)
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ScanStats{Scanned: 2, Errors: 1}, stats)
}

func TestScanWorker_Trigger(t *testing.T) {
	store := storage.NewMemoryStore()
	seedRecord(t, store, florentinCandidate("yad2", "1"), baseTime)
	scanner := &failingScanner{}
	scanner.calls.Store(1)

	w := NewScanWorker(store, scanner, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Trigger()
	assert.Eventually(t, func() bool { return scanner.calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Media
// =============================================================================

func encodePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := range 64 {
		for x := range 64 {
			img.SetGray(x, y, color.Gray{Y: uint8(x*2 + y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type stubFetcher struct {
	body  []byte
	bad   map[string]bool
	calls atomic.Int32
}

func (f *stubFetcher) Fetch(_ context.Context, url string) ([]byte, string, error) {
	f.calls.Add(1)
	if f.bad[url] {
		return nil, "", errors.New("download status: 404")
	}
	return f.body, "image/png", nil
}

type stubMirror struct {
	err  error
	puts []string
}

func (m *stubMirror) Put(_ context.Context, sourceURL string, _ []byte, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.puts = append(m.puts, sourceURL)
	return "images/" + sourceURL[strings.LastIndex(sourceURL, "/")+1:], nil
}

func imageByURL(t *testing.T, store storage.Store, id uuid.UUID, url string) models.Image {
	t.Helper()
	rec, err := store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	for _, img := range rec.Images {
		if img.URL == url {
			return img
		}
	}
	t.Fatalf("image %s not found", url)
	return models.Image{}
}

func TestMediaWorker_ProcessBatch(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := seedRecord(t, store, florentinCandidate("yad2", "1"), baseTime, "https://img/a.png", "https://img/gone.png")
	fetcher := &stubFetcher{body: encodePNG(t), bad: map[string]bool{"https://img/gone.png": true}}
	mirror := &stubMirror{}

	w := NewMediaWorker(store, fetcher, mirror, 10, zaptest.NewLogger(t))
	w.pause = 0
	ctx := context.Background()

	stats, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, MediaStats{Hashed: 1, Mirrored: 1, Failed: 1}, stats)

	good := imageByURL(t, store, rec.ID, "https://img/a.png")
	assert.False(t, good.Hashes.IsEmpty())
	assert.True(t, good.Hashes.Valid())
	require.NotNil(t, good.StorageKey)
	assert.Equal(t, "images/a.png", *good.StorageKey)
	assert.Equal(t, 1, good.HashAttempts)
	assert.Equal(t, []string{"https://img/a.png"}, mirror.puts)

	bad := imageByURL(t, store, rec.ID, "https://img/gone.png")
	assert.True(t, bad.Hashes.IsEmpty())
	assert.Equal(t, 1, bad.HashAttempts)

	t.Run("failing images are given up after max attempts", func(t *testing.T) {
		for range MaxHashAttempts - 1 {
			stats, err := w.ProcessBatch(ctx)
			require.NoError(t, err)
			assert.Equal(t, MediaStats{Failed: 1}, stats)
		}
		assert.Equal(t, MaxHashAttempts, imageByURL(t, store, rec.ID, "https://img/gone.png").HashAttempts)

		before := fetcher.calls.Load()
		stats, err := w.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, MediaStats{}, stats)
		assert.Equal(t, before, fetcher.calls.Load())
	})
}

func TestMediaWorker_MirrorFailureKeepsHashes(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := seedRecord(t, store, florentinCandidate("yad2", "1"), baseTime, "https://img/a.png")

	w := NewMediaWorker(store, &stubFetcher{body: encodePNG(t)}, &stubMirror{err: errors.New("bucket gone")}, 10, nil)
	stats, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MediaStats{Hashed: 1}, stats)

	img := imageByURL(t, store, rec.ID, "https://img/a.png")
	assert.False(t, img.Hashes.IsEmpty())
	assert.Nil(t, img.StorageKey)
}

func TestMediaWorker_UndecodableImage(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := seedRecord(t, store, florentinCandidate("yad2", "1"), baseTime, "https://img/a.png")

	w := NewMediaWorker(store, &stubFetcher{body: []byte("<html>")}, nil, 10, nil)
	stats, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MediaStats{Failed: 1}, stats)
	assert.Equal(t, 1, imageByURL(t, store, rec.ID, "https://img/a.png").HashAttempts)
}
