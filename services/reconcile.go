package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"rental_dedupe/identity"
	"rental_dedupe/metrics"
	"rental_dedupe/models"
	"rental_dedupe/storage"
)

// ErrInvalidCandidate is returned when an incoming candidate fails validation
var ErrInvalidCandidate = errors.New("invalid candidate")

// EngineOptions configures the reconciliation engine's collaborators
type EngineOptions struct {
	Retriever RetrieverOptions
	Match     MatchOptions
}

// ApplyResult describes what Apply did with a decision
type ApplyResult struct {
	Action   models.Action
	RecordID uuid.UUID // record created, refreshed or merged into
	ReviewID *uuid.UUID
	Merge    *models.MergeHistoryEntry
	// Retried is set when a create lost the race for its source and was
	// applied as an update of the winner
	Retried bool
}

// IngestOutcome is the decision made for a candidate and its application
type IngestOutcome struct {
	Decision *models.Decision
	Result   *ApplyResult
}

// ScanResult is the outcome of comparing one stored record against older ones
type ScanResult struct {
	RecordID        uuid.UUID
	Action          models.Action
	MatchedRecordID *uuid.UUID
	Score           float64
	ReviewID        *uuid.UUID
}

// ReconciliationEngine decides, for each incoming candidate, whether to
// create, update, merge or review, and applies that decision.
type ReconciliationEngine struct {
	store     storage.Store
	retriever *CandidateRetriever
	match     *MatchService
	policy    DecisionPolicy
	merge     *MergeService
	reviews   *ReviewService
	logger    *zap.Logger
	now       func() time.Time
}

// NewReconciliationEngine creates a new ReconciliationEngine. hasher and
// comparer may be nil.
func NewReconciliationEngine(store storage.Store, hasher ImageHasher, comparer ImageComparer, opts EngineOptions, logger *zap.Logger) *ReconciliationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	match := NewMatchService(hasher, comparer, opts.Match, logger.Named("match"))
	merge := NewMergeService(store, match, logger.Named("merge"))
	return &ReconciliationEngine{
		store:     store,
		retriever: NewCandidateRetriever(store, opts.Retriever),
		match:     match,
		merge:     merge,
		reviews:   NewReviewService(store, merge, logger.Named("review")),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reviews returns the engine's review queue
func (e *ReconciliationEngine) Reviews() *ReviewService {
	return e.reviews
}

// Merges returns the engine's merge service
func (e *ReconciliationEngine) Merges() *MergeService {
	return e.merge
}

// CheckForDuplicate decides what to do with a candidate. A review decision
// has already been enqueued and carries its id. Nothing else is written.
func (e *ReconciliationEngine) CheckForDuplicate(ctx context.Context, c *models.ListingCandidate) (*models.Decision, error) {
	c, err := cleanCandidate(c)
	if err != nil {
		return nil, err
	}
	return e.check(ctx, e.match.Prepare(c))
}

func (e *ReconciliationEngine) check(ctx context.Context, p *PreparedCandidate) (*models.Decision, error) {
	start := time.Now()
	defer func() {
		metrics.CheckDuration.Observe(time.Since(start).Seconds())
	}()

	// 1. Retrieval
	retrieval, err := e.retriever.Retrieve(ctx, p.ListingCandidate)
	if err != nil {
		return nil, err
	}
	if retrieval.Exact != nil {
		e.logger.Debug("exact match",
			zap.String("source", p.SourcePlatform+"/"+p.SourceID),
			zap.String("record_id", retrieval.Exact.ID.String()),
			zap.String("via", retrieval.ExactVia),
		)
		return e.decided(e.policy.Decide(retrieval.Exact, nil)), nil
	}

	// 2. Drop pairs an operator already ruled distinct
	candidates, err := e.withoutRejected(ctx, p.SourcePlatform, p.SourceID, retrieval.Candidates)
	if err != nil {
		return nil, err
	}
	metrics.CandidatesRetrieved.Observe(float64(len(candidates)))

	// 3. Score and decide
	ranked := e.match.Rank(ctx, p, candidates)
	decision := e.policy.Decide(nil, ranked)
	if len(ranked) > 0 {
		metrics.BestScore.Observe(ranked[0].Score)
	}

	// 4. Medium confidence goes to the review queue
	if decision.Action == models.ActionReview {
		review, err := e.reviews.Enqueue(ctx, p.ListingCandidate, ranked[0], nil)
		if err != nil {
			return nil, fmt.Errorf("enqueue review: %w", err)
		}
		decision.ReviewID = &review.ID
	}
	return e.decided(decision), nil
}

func (e *ReconciliationEngine) decided(d *models.Decision) *models.Decision {
	metrics.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()
	return d
}

// withoutRejected removes records whose review against this candidate
// source was resolved as unique
func (e *ReconciliationEngine) withoutRejected(ctx context.Context, platform, sourceID string, records []*models.Record) ([]*models.Record, error) {
	if len(records) == 0 {
		return records, nil
	}
	reviews, err := e.store.ListReviewsByCandidate(ctx, platform, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list candidate reviews: %w", err)
	}
	rejected := make(map[uuid.UUID]bool)
	for _, r := range reviews {
		if r.Status == models.ReviewRejected {
			rejected[r.MatchedRecordID] = true
		}
	}
	if len(rejected) == 0 {
		return records, nil
	}
	out := records[:0:0]
	for _, rec := range records {
		if !rejected[rec.ID] {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Apply carries out a decision for a candidate
func (e *ReconciliationEngine) Apply(ctx context.Context, c *models.ListingCandidate, d *models.Decision) (*ApplyResult, error) {
	c, err := cleanCandidate(c)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, e.match.Prepare(c), d)
}

func (e *ReconciliationEngine) apply(ctx context.Context, p *PreparedCandidate, d *models.Decision) (*ApplyResult, error) {
	switch d.Action {
	case models.ActionUpdate:
		if d.MatchedRecordID == nil {
			return nil, fmt.Errorf("update decision without a matched record: %w", ErrRecordNotFound)
		}
		return e.updateRecord(ctx, *d.MatchedRecordID, p)

	case models.ActionMerge:
		if d.MatchedRecordID == nil {
			return nil, fmt.Errorf("merge decision without a matched record: %w", ErrRecordNotFound)
		}
		entry, err := e.merge.mergePrepared(ctx, *d.MatchedRecordID, p, models.MergeReasonDuplicateDetected)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Action: models.ActionMerge, RecordID: entry.MasterRecordID, Merge: entry}, nil

	case models.ActionReview:
		// the candidate waits for adjudication; nothing is created
		reviewID := d.ReviewID
		if reviewID == nil {
			if d.MatchedRecord == nil {
				return nil, fmt.Errorf("review decision without a matched record: %w", ErrRecordNotFound)
			}
			best := models.ScoredCandidate{Record: d.MatchedRecord, Score: d.Score}
			if d.ScoreBreakdown != nil {
				best.Breakdown = *d.ScoreBreakdown
			}
			review, err := e.reviews.Enqueue(ctx, p.ListingCandidate, best, nil)
			if err != nil {
				return nil, fmt.Errorf("enqueue review: %w", err)
			}
			reviewID = &review.ID
		}
		result := &ApplyResult{Action: models.ActionReview, ReviewID: reviewID}
		if d.MatchedRecordID != nil {
			result.RecordID = *d.MatchedRecordID
		}
		return result, nil

	default:
		return e.createRecord(ctx, p)
	}
}

// Ingest checks a candidate and applies the decision. When the check itself
// fails on storage, the candidate is assumed unique and created.
func (e *ReconciliationEngine) Ingest(ctx context.Context, c *models.ListingCandidate) (*IngestOutcome, error) {
	c, err := cleanCandidate(c)
	if err != nil {
		return nil, err
	}
	p := e.match.Prepare(c)

	decision, err := e.check(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		e.logger.Warn("duplicate check failed, creating",
			zap.String("source", c.SourcePlatform+"/"+c.SourceID),
			zap.Error(err),
		)
		decision = e.decided(&models.Decision{
			Action:     models.ActionCreate,
			Confidence: models.ConfidenceLow,
		})
	}

	result, err := e.apply(ctx, p, decision)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", decision.Action, err)
	}

	e.logger.Info("candidate ingested",
		zap.String("source", c.SourcePlatform+"/"+c.SourceID),
		zap.String("action", string(result.Action)),
		zap.String("record_id", result.RecordID.String()),
		zap.Float64("score", decision.Score),
	)
	return &IngestOutcome{Decision: decision, Result: result}, nil
}

// MergeInto merges a candidate into masterID on an operator's request
func (e *ReconciliationEngine) MergeInto(ctx context.Context, masterID uuid.UUID, c *models.ListingCandidate) (*models.MergeHistoryEntry, error) {
	c, err := cleanCandidate(c)
	if err != nil {
		return nil, err
	}
	return e.merge.MergeInto(ctx, masterID, c, models.MergeReasonManualMerge)
}

// MergeRecords makes keepID the master of absorbIDs on an operator's request
func (e *ReconciliationEngine) MergeRecords(ctx context.Context, keepID uuid.UUID, absorbIDs []uuid.UUID) ([]*models.MergeHistoryEntry, error) {
	return e.merge.MergeRecords(ctx, keepID, absorbIDs, models.MergeReasonManualMerge)
}

// ResolveReview applies an adjudication to a pending review
func (e *ReconciliationEngine) ResolveReview(ctx context.Context, reviewID uuid.UUID, res models.ReviewResolution) error {
	_, err := e.reviews.Resolve(ctx, reviewID, res)
	return err
}

// ScanRecord compares a stored record against older records. A high score
// folds the record into the older one; a medium score raises a review with
// the record as its subject. Duplicates, records under review and deleted
// records are skipped.
func (e *ReconciliationEngine) ScanRecord(ctx context.Context, rec *models.Record) (*ScanResult, error) {
	result := &ScanResult{RecordID: rec.ID, Action: models.ActionCreate}
	if rec.IsDeleted() || rec.DuplicateStatus == models.StatusDuplicate || rec.DuplicateStatus == models.StatusReview {
		return result, nil
	}

	p := e.match.PrepareRecord(rec)
	nearby, err := e.retriever.Nearby(ctx, p.ListingCandidate, rec.ID)
	if err != nil {
		return nil, err
	}

	// each pair is judged once, from the newer record's side
	older := nearby[:0:0]
	for _, other := range nearby {
		if other.CanBeMaster() && createdBefore(other, rec) {
			older = append(older, other)
		}
	}
	older, err = e.withoutRejected(ctx, rec.SourcePlatform, rec.SourceID, older)
	if err != nil {
		return nil, err
	}

	ranked := e.match.Rank(ctx, p, older)
	if len(ranked) == 0 {
		return result, nil
	}
	best := ranked[0]
	result.MatchedRecordID = &best.Record.ID
	result.Score = best.Score

	switch e.policy.Classify(best.Score) {
	case models.ActionMerge:
		score := best.Score
		if _, err := e.merge.mergeRecords(ctx, best.Record.ID, []uuid.UUID{rec.ID}, &score, models.MergeReasonScan); err != nil {
			return nil, fmt.Errorf("scan merge: %w", err)
		}
		result.Action = models.ActionMerge

	case models.ActionReview:
		review, err := e.reviews.Enqueue(ctx, p.ListingCandidate, best, &rec.ID)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		if err := e.reviews.markUnderReview(ctx, rec.ID); err != nil {
			return nil, fmt.Errorf("mark under review: %w", err)
		}
		result.Action = models.ActionReview
		result.ReviewID = &review.ID
	}
	return result, nil
}

// updateRecord refreshes a record from its own source. Only images the
// record does not have yet are hashed.
func (e *ReconciliationEngine) updateRecord(ctx context.Context, id uuid.UUID, p *PreparedCandidate) (*ApplyResult, error) {
	current, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	if current == nil {
		return nil, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	attached := make(map[string]bool, len(current.Images))
	for _, img := range current.Images {
		attached[img.URL] = true
	}
	var fresh []string
	for _, url := range p.ImageURLs {
		if !attached[url] {
			fresh = append(fresh, url)
		}
	}
	images := hashAll(ctx, e.match.hasher, fresh, e.match.concurrency)

	err = e.store.WithTx(ctx, func(q storage.Queries) error {
		rec, err := lockRecord(ctx, q, id)
		if err != nil {
			return err
		}
		now := e.now()
		refreshFields(rec, p)
		rec.LastSeenAt = latest(now, rec.FirstSeenAt)
		rec.UpdatedAt = now
		if err := q.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		return q.InsertImages(ctx, appendImages(rec.ID, rec.Images, images, now))
	})
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Action: models.ActionUpdate, RecordID: id}, nil
}

// createRecord persists a candidate as a new unique record. Losing the race
// for the source pair turns the create into an update of the winner.
func (e *ReconciliationEngine) createRecord(ctx context.Context, p *PreparedCandidate) (*ApplyResult, error) {
	images := e.match.Images(ctx, p)

	rec, err := insertCandidate(ctx, e.store, p, images, e.now())
	if err == nil {
		return &ApplyResult{Action: models.ActionCreate, RecordID: rec.ID}, nil
	}
	if !errors.Is(err, storage.ErrDuplicateSource) {
		return nil, err
	}

	winner, err := e.store.GetRecordBySource(ctx, p.SourcePlatform, p.SourceID)
	if err != nil {
		return nil, fmt.Errorf("reload source after conflict: %w", err)
	}
	if winner == nil {
		return nil, fmt.Errorf("source %s/%s conflicted but is gone: %w", p.SourcePlatform, p.SourceID, storage.ErrDuplicateSource)
	}
	e.logger.Info("create lost race, updating",
		zap.String("source", p.SourcePlatform+"/"+p.SourceID),
		zap.String("record_id", winner.ID.String()),
	)
	metrics.DecisionsTotal.WithLabelValues("create_retried").Inc()

	result, err := e.updateRecord(ctx, winner.ID, p)
	if err != nil {
		return nil, err
	}
	result.Retried = true
	return result, nil
}

// insertCandidate writes a candidate and its images as a new record in its
// own transaction
func insertCandidate(ctx context.Context, store storage.Store, p *PreparedCandidate, images []IncomingImage, now time.Time) (*models.Record, error) {
	var rec *models.Record
	err := store.WithTx(ctx, func(q storage.Queries) error {
		var err error
		rec, err = insertCandidateTx(ctx, q, p.ListingCandidate, p.NormalizedPhone, images, now)
		return err
	})
	return rec, err
}

func insertCandidateTx(ctx context.Context, q storage.Queries, c *models.ListingCandidate, phoneNormalized string, images []IncomingImage, now time.Time) (*models.Record, error) {
	rec := models.NewRecordFromCandidate(c, phoneNormalized, now)
	rec.Images = appendImages(rec.ID, nil, images, now)
	if err := q.InsertRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// refreshFields overwrites a record with what its source now reports.
// Empty incoming values leave the stored ones alone.
func refreshFields(rec *models.Record, p *PreparedCandidate) {
	if p.Title != "" {
		rec.Title = p.Title
	}
	if p.Description != "" {
		rec.Description = p.Description
	}
	if p.Price != nil {
		price := *p.Price
		rec.Price = &price
	}
	if p.Currency != "" {
		rec.Currency = models.NormalizeCurrency(p.Currency)
	}
	if p.Location != nil {
		loc := *p.Location
		rec.Location = &loc
	}
	if p.Address != "" {
		rec.Address = p.Address
	}
	if p.City != "" {
		rec.City = p.City
	}
	if p.Neighborhood != "" {
		rec.Neighborhood = p.Neighborhood
	}
	if p.Phone != "" {
		rec.PhoneOriginal = p.Phone
		rec.PhoneNormalized = p.NormalizedPhone
	}
	if p.SourceURL != "" {
		rec.SourceURL = p.SourceURL
	}
}

// cleanCandidate returns a copy of c with HTML stripped from its text and
// validates it
func cleanCandidate(c *models.ListingCandidate) (*models.ListingCandidate, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil candidate", ErrInvalidCandidate)
	}
	cleaned := *c
	cleaned.Title = identity.CleanText(c.Title)
	cleaned.Description = identity.CleanText(c.Description)
	cleaned.ImageURLs = append([]string(nil), c.ImageURLs...)
	if err := cleaned.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return &cleaned, nil
}

func createdBefore(a, b *models.Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
