package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rental_dedupe/models"
	"rental_dedupe/storage"
)

func queueReview(t *testing.T, store storage.Store, e *ReconciliationEngine) (*models.Record, uuid.UUID) {
	t.Helper()
	master := seedRecord(t, store, listingCandidate("yad2", "1"), baseTime)
	out, err := e.Ingest(context.Background(), reviewCandidate("post-2"))
	require.NoError(t, err)
	require.Equal(t, models.ActionReview, out.Decision.Action)
	return master, *out.Decision.ReviewID
}

func TestResolveReview_Unique(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, nil, nil)
	_, reviewID := queueReview(t, store, e)
	ctx := context.Background()

	require.NoError(t, e.ResolveReview(ctx, reviewID, models.ResolveUnique("dana")))

	review, err := e.Reviews().Get(ctx, reviewID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewRejected, review.Status)
	assert.Equal(t, models.ReviewDecisionUnique, review.Decision)
	assert.Equal(t, "dana", review.ReviewedBy)
	require.NotNil(t, review.ReviewedAt)
	assert.Equal(t, baseTime.Add(time.Hour), *review.ReviewedAt)

	// resolving does not insert the held back candidate
	assert.Nil(t, getBySource(t, store, "facebook", "post-2"))

	pending, err := e.Reviews().ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = e.ResolveReview(ctx, reviewID, models.ResolveUnique("dana"))
	assert.ErrorIs(t, err, ErrReviewResolved)

	t.Run("ingesting it again creates it", func(t *testing.T) {
		out, err := e.Ingest(ctx, reviewCandidate("post-2"))
		require.NoError(t, err)
		assert.Equal(t, models.ActionCreate, out.Decision.Action)

		rec := getBySource(t, store, "facebook", "post-2")
		require.NotNil(t, rec)
		assert.Equal(t, models.StatusUnique, rec.DuplicateStatus)

		res, err := e.ScanRecord(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, models.ActionCreate, res.Action)

		pending, err := e.Reviews().ListPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestResolveReview_Merge(t *testing.T) {
	store := storage.NewMemoryStore()
	hasher := newStubHasher(map[string]string{"https://img/new.jpg": hashA})
	e := newTestEngine(t, store, hasher, nil)
	ctx := context.Background()

	master := seedRecord(t, store, listingCandidate("yad2", "1"), baseTime)
	c := reviewCandidate("post-2")
	c.ImageURLs = []string{"https://img/new.jpg"}
	out, err := e.Ingest(ctx, c)
	require.NoError(t, err)
	require.Equal(t, models.ActionReview, out.Decision.Action)
	reviewID := *out.Decision.ReviewID

	require.NoError(t, e.ResolveReview(ctx, reviewID, models.ResolveMergeWith(master.ID, "dana")))

	review, err := e.Reviews().Get(ctx, reviewID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewApproved, review.Status)
	assert.Equal(t, models.ReviewDecisionMerge, review.Decision)

	assert.Nil(t, getBySource(t, store, "facebook", "post-2"))
	rec := getRecord(t, store, master.ID)
	assert.Equal(t, models.StatusMaster, rec.DuplicateStatus)
	require.Len(t, rec.Images, 1)
	assert.Equal(t, hashesOf(hashA), rec.Images[0].Hashes)

	history, err := store.ListMergeHistory(ctx, master.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.MergeReasonManualReview, history[0].Reason)
	assert.Equal(t, "post-2", history[0].AbsorbedSourceID)
}

func TestResolveReview_Errors(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, nil, nil)
	ctx := context.Background()

	err := e.ResolveReview(ctx, uuid.New(), models.ResolveUnique("dana"))
	assert.ErrorIs(t, err, ErrReviewNotFound)

	_, reviewID := queueReview(t, store, e)
	err = e.ResolveReview(ctx, reviewID, models.ResolveMergeWith(uuid.New(), "dana"))
	assert.ErrorIs(t, err, ErrRecordNotFound)

	// a failed resolution leaves the review pending
	review, err := e.Reviews().Get(ctx, reviewID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewPending, review.Status)
}

func scanReviewPair(t *testing.T, store storage.Store, e *ReconciliationEngine) (older, newer *models.Record, reviewID uuid.UUID) {
	t.Helper()
	older = seedRecord(t, store, listingCandidate("yad2", "1"), baseTime)
	newer = seedRecord(t, store, reviewCandidate("post-2"), baseTime.Add(time.Minute))

	res, err := e.ScanRecord(context.Background(), getRecord(t, store, newer.ID))
	require.NoError(t, err)
	require.Equal(t, models.ActionReview, res.Action)
	require.NotNil(t, res.ReviewID)
	return older, newer, *res.ReviewID
}

func TestScanRecord_MediumScoreRaisesReview(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, nil, nil)
	ctx := context.Background()
	older, newer, reviewID := scanReviewPair(t, store, e)

	review, err := e.Reviews().Get(ctx, reviewID)
	require.NoError(t, err)
	require.NotNil(t, review.SubjectRecordID)
	assert.Equal(t, newer.ID, *review.SubjectRecordID)
	assert.Equal(t, older.ID, review.MatchedRecordID)
	assert.Equal(t, 70.0, review.Score)

	got := getRecord(t, store, newer.ID)
	assert.Equal(t, models.StatusReview, got.DuplicateStatus)

	// records under review are not rescanned
	res, err := e.ScanRecord(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreate, res.Action)
	assert.Nil(t, res.ReviewID)
}

func TestResolveScanReview_Unique(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, nil, nil)
	ctx := context.Background()
	_, newer, reviewID := scanReviewPair(t, store, e)

	require.NoError(t, e.ResolveReview(ctx, reviewID, models.ResolveUnique("dana")))
	got := getRecord(t, store, newer.ID)
	assert.Equal(t, models.StatusUnique, got.DuplicateStatus)

	res, err := e.ScanRecord(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreate, res.Action)
}

func TestResolveScanReview_Merge(t *testing.T) {
	ctx := context.Background()

	t.Run("into the matched record", func(t *testing.T) {
		store := storage.NewMemoryStore()
		e := newTestEngine(t, store, nil, nil)
		older, newer, reviewID := scanReviewPair(t, store, e)

		require.NoError(t, e.ResolveReview(ctx, reviewID, models.ResolveMergeWith(older.ID, "dana")))

		got := getRecord(t, store, newer.ID)
		assert.Equal(t, models.StatusDuplicate, got.DuplicateStatus)
		assert.Equal(t, older.ID, *got.MasterRecordID)
		assert.Equal(t, 70.0, *got.DuplicateScore)
		assert.Equal(t, models.StatusMaster, getRecord(t, store, older.ID).DuplicateStatus)
	})

	t.Run("keeping the subject", func(t *testing.T) {
		store := storage.NewMemoryStore()
		e := newTestEngine(t, store, nil, nil)
		older, newer, reviewID := scanReviewPair(t, store, e)

		require.NoError(t, e.ResolveReview(ctx, reviewID, models.ResolveMergeWith(newer.ID, "dana")))

		assert.Equal(t, models.StatusMaster, getRecord(t, store, newer.ID).DuplicateStatus)
		got := getRecord(t, store, older.ID)
		assert.Equal(t, models.StatusDuplicate, got.DuplicateStatus)
		assert.Equal(t, newer.ID, *got.MasterRecordID)

		history, err := store.ListMergeHistory(ctx, newer.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, older.ID, *history[0].AbsorbedRecordID)
	})
}

// reviewConflictStore reports every review insert as a duplicate
type reviewConflictStore struct {
	storage.Store
}

func (s *reviewConflictStore) InsertReview(context.Context, *models.DuplicateReview) error {
	return storage.ErrDuplicateReview
}

func TestEnqueue_ConflictWithoutPendingReview(t *testing.T) {
	store := &reviewConflictStore{Store: storage.NewMemoryStore()}
	rec := seedRecord(t, store, listingCandidate("yad2", "1"), baseTime)

	reviews := NewReviewService(store, nil, nil)
	best := models.ScoredCandidate{Record: rec, Score: 70, Breakdown: models.ScoreBreakdown{Location: 40, Phone: 20, Price: 10}}
	got, err := reviews.Enqueue(context.Background(), listingCandidate("facebook", "post-1"), best, nil)
	require.ErrorIs(t, err, ErrReviewNotFound)
	assert.Nil(t, got)
	assert.NotContains(t, err.Error(), "%!w")
}
