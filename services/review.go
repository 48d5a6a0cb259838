package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"rental_dedupe/metrics"
	"rental_dedupe/models"
	"rental_dedupe/storage"
)

var (
	// ErrReviewNotFound is returned when no review exists for the given id
	ErrReviewNotFound = errors.New("review not found")
	// ErrReviewResolved is returned when resolving a review that is no longer pending
	ErrReviewResolved = errors.New("review already resolved")
)

// ReviewService persists medium-confidence matches and applies their
// adjudication.
type ReviewService struct {
	store  storage.Store
	merge  *MergeService
	logger *zap.Logger
	now    func() time.Time
}

// NewReviewService creates a new ReviewService
func NewReviewService(store storage.Store, merge *MergeService, logger *zap.Logger) *ReviewService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewService{
		store:  store,
		merge:  merge,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue persists a pending review of c against its best match. When the
// same candidate source is already pending against that record, the
// existing review is returned.
func (s *ReviewService) Enqueue(ctx context.Context, c *models.ListingCandidate, best models.ScoredCandidate, subject *uuid.UUID) (*models.DuplicateReview, error) {
	existing, err := s.store.FindPendingReview(ctx, best.Record.ID, c.SourcePlatform, c.SourceID)
	if err != nil {
		return nil, fmt.Errorf("find pending review: %w", err)
	}
	if existing != nil {
		metrics.ReviewsTotal.WithLabelValues("deduplicated").Inc()
		return existing, nil
	}

	snapshot, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal candidate: %w", err)
	}

	review := &models.DuplicateReview{
		ID:                      uuid.New(),
		Candidate:               snapshot,
		CandidateSourcePlatform: c.SourcePlatform,
		CandidateSourceID:       c.SourceID,
		SubjectRecordID:         subject,
		MatchedRecordID:         best.Record.ID,
		Score:                   best.Score,
		ScoreBreakdown:          best.Breakdown,
		Status:                  models.ReviewPending,
		CreatedAt:               s.now(),
	}

	if err := s.store.InsertReview(ctx, review); err != nil {
		if !errors.Is(err, storage.ErrDuplicateReview) {
			return nil, fmt.Errorf("insert review: %w", err)
		}
		// lost a race with a concurrent enqueue of the same pair
		existing, err := s.store.FindPendingReview(ctx, best.Record.ID, c.SourcePlatform, c.SourceID)
		if err != nil {
			return nil, fmt.Errorf("find pending review after conflict: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("find pending review after conflict: %w", ErrReviewNotFound)
		}
		metrics.ReviewsTotal.WithLabelValues("deduplicated").Inc()
		return existing, nil
	}

	metrics.ReviewsTotal.WithLabelValues("enqueued").Inc()
	s.logger.Info("duplicate review enqueued",
		zap.String("review_id", review.ID.String()),
		zap.String("matched_id", review.MatchedRecordID.String()),
		zap.String("source", c.SourcePlatform+"/"+c.SourceID),
		zap.Float64("score", review.Score),
	)
	return review, nil
}

// Get returns a review by id
func (s *ReviewService) Get(ctx context.Context, id uuid.UUID) (*models.DuplicateReview, error) {
	review, err := s.store.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}
	if review == nil {
		return nil, ErrReviewNotFound
	}
	return review, nil
}

// ListPending returns pending reviews, highest score first
func (s *ReviewService) ListPending(ctx context.Context, limit int) ([]*models.DuplicateReview, error) {
	return s.store.ListPendingReviews(ctx, limit)
}

// Resolve applies an adjudication in the transaction that closes the
// review. Unique only closes it: the held back candidate is not inserted,
// and ingesting it again creates it since the rejected pair is no longer
// compared. Merge folds the candidate into the chosen master. Reviews raised
// by the scan act on their subject record instead.
func (s *ReviewService) Resolve(ctx context.Context, id uuid.UUID, res models.ReviewResolution) (*models.DuplicateReview, error) {
	pre, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pre.Status != models.ReviewPending {
		return nil, ErrReviewResolved
	}

	// candidate images are hashed before any row is locked
	var candidate *PreparedCandidate
	var images []IncomingImage
	if pre.SubjectRecordID == nil && res.MasterID != nil {
		c, err := pre.ListingCandidate()
		if err != nil {
			return nil, fmt.Errorf("decode review candidate: %w", err)
		}
		candidate = s.merge.match.Prepare(c)
		images = s.merge.match.Images(ctx, candidate)
	}

	var resolved *models.DuplicateReview
	err = s.store.WithTx(ctx, func(q storage.Queries) error {
		review, err := q.GetReviewForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if review == nil {
			return ErrReviewNotFound
		}
		if review.Status != models.ReviewPending {
			return ErrReviewResolved
		}

		switch {
		case res.MasterID == nil:
			if review.SubjectRecordID != nil {
				if err := s.clearReviewStatus(ctx, q, review.SubjectRecordID); err != nil {
					return err
				}
			}
			review.Status = models.ReviewRejected
			review.Decision = models.ReviewDecisionUnique

		case review.SubjectRecordID != nil:
			keepID, absorbID := *res.MasterID, *review.SubjectRecordID
			if keepID == absorbID {
				absorbID = review.MatchedRecordID
			}
			keep, err := s.merge.loadKeep(ctx, q, keepID)
			if err != nil {
				return err
			}
			score := review.Score
			if _, err := s.merge.absorbRecordTx(ctx, q, keep, absorbID, &score, models.MergeReasonManualReview); err != nil {
				return err
			}
			review.Status = models.ReviewApproved
			review.Decision = models.ReviewDecisionMerge

		default:
			if _, err := s.merge.mergeCandidateTx(ctx, q, *res.MasterID, candidate.ListingCandidate, images, models.MergeReasonManualReview); err != nil {
				return err
			}
			review.Status = models.ReviewApproved
			review.Decision = models.ReviewDecisionMerge
		}

		now := s.now()
		review.ReviewedBy = res.ReviewedBy
		review.ReviewedAt = &now
		if err := q.UpdateReview(ctx, review); err != nil {
			return err
		}
		resolved = review
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ReviewsTotal.WithLabelValues("resolved_" + resolved.Decision).Inc()
	if resolved.Decision == models.ReviewDecisionMerge {
		metrics.MergesTotal.WithLabelValues(models.MergeReasonManualReview).Inc()
	}
	s.logger.Info("review resolved",
		zap.String("review_id", id.String()),
		zap.String("decision", resolved.Decision),
		zap.String("reviewed_by", resolved.ReviewedBy),
	)
	return resolved, nil
}

// markUnderReview flags a scanned record while its review is pending
func (s *ReviewService) markUnderReview(ctx context.Context, id uuid.UUID) error {
	return s.store.WithTx(ctx, func(q storage.Queries) error {
		rec, err := q.GetRecordForUpdate(ctx, id)
		if err != nil || rec == nil || rec.DuplicateStatus != models.StatusUnique {
			return err
		}
		rec.DuplicateStatus = models.StatusReview
		rec.UpdatedAt = s.now()
		return q.UpdateRecord(ctx, rec)
	})
}

// clearReviewStatus returns a scanned record to unique once its review is
// rejected
func (s *ReviewService) clearReviewStatus(ctx context.Context, q storage.Queries, id *uuid.UUID) error {
	rec, err := q.GetRecordForUpdate(ctx, *id)
	if err != nil || rec == nil || rec.DuplicateStatus != models.StatusReview {
		return err
	}
	rec.DuplicateStatus = models.StatusUnique
	rec.UpdatedAt = s.now()
	return q.UpdateRecord(ctx, rec)
}
