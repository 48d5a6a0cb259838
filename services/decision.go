package services

import (
	"rental_dedupe/models"
)

// Decision thresholds. These are fixed policy, not configuration.
const (
	MergeThreshold  = 85.0
	ReviewThreshold = 65.0
	ExactMatchScore = 100.0
)

// DecisionPolicy maps retrieval and scoring results to an action
type DecisionPolicy struct{}

// Classify maps a best fuzzy score to its action
func (DecisionPolicy) Classify(score float64) models.Action {
	switch {
	case score >= MergeThreshold:
		return models.ActionMerge
	case score >= ReviewThreshold:
		return models.ActionReview
	default:
		return models.ActionCreate
	}
}

// Decide builds the decision for a candidate. ranked must be sorted best
// first. A review decision carries no ReviewID yet; the engine enqueues it.
func (p DecisionPolicy) Decide(exact *models.Record, ranked []models.ScoredCandidate) *models.Decision {
	if exact != nil {
		return &models.Decision{
			Action:          models.ActionUpdate,
			Confidence:      models.ConfidenceHigh,
			IsDuplicate:     true,
			MatchedRecordID: &exact.ID,
			MatchedRecord:   exact,
			Score:           ExactMatchScore,
		}
	}

	if len(ranked) == 0 {
		return &models.Decision{
			Action:     models.ActionCreate,
			Confidence: models.ConfidenceHigh,
		}
	}

	best := ranked[0]
	breakdown := best.Breakdown
	switch p.Classify(best.Score) {
	case models.ActionMerge:
		return &models.Decision{
			Action:          models.ActionMerge,
			Confidence:      models.ConfidenceHigh,
			IsDuplicate:     true,
			MatchedRecordID: &best.Record.ID,
			MatchedRecord:   best.Record,
			Score:           best.Score,
			ScoreBreakdown:  &breakdown,
		}
	case models.ActionReview:
		return &models.Decision{
			Action:          models.ActionReview,
			Confidence:      models.ConfidenceMedium,
			MatchedRecordID: &best.Record.ID,
			MatchedRecord:   best.Record,
			Score:           best.Score,
			ScoreBreakdown:  &breakdown,
		}
	default:
		return &models.Decision{
			Action:         models.ActionCreate,
			Confidence:     models.ConfidenceHigh,
			Score:          best.Score,
			ScoreBreakdown: &breakdown,
		}
	}
}
