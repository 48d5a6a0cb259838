package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rental_dedupe/models"
)

func scored(score float64) models.ScoredCandidate {
	return models.ScoredCandidate{
		Record:    &models.Record{ID: uuid.New()},
		Breakdown: models.ScoreBreakdown{Location: score},
		Score:     score,
	}
}

func TestDecisionPolicy_Thresholds(t *testing.T) {
	tests := []struct {
		score      float64
		action     models.Action
		confidence models.Confidence
	}{
		{100, models.ActionMerge, models.ConfidenceHigh},
		{85, models.ActionMerge, models.ConfidenceHigh},
		{84.999, models.ActionReview, models.ConfidenceMedium},
		{65, models.ActionReview, models.ConfidenceMedium},
		{64.999, models.ActionCreate, models.ConfidenceHigh},
		{0, models.ActionCreate, models.ConfidenceHigh},
	}

	var policy DecisionPolicy
	for _, tt := range tests {
		d := policy.Decide(nil, []models.ScoredCandidate{scored(tt.score)})
		assert.Equal(t, tt.action, d.Action, "score %v", tt.score)
		assert.Equal(t, tt.confidence, d.Confidence, "score %v", tt.score)
		assert.Equal(t, tt.score, d.Score)
		require.NotNil(t, d.ScoreBreakdown)
		assert.Equal(t, tt.score, d.ScoreBreakdown.Location)
	}
}

func TestDecisionPolicy_MatchedRecord(t *testing.T) {
	var policy DecisionPolicy
	best := scored(90)

	d := policy.Decide(nil, []models.ScoredCandidate{best, scored(70)})
	assert.True(t, d.IsDuplicate)
	require.NotNil(t, d.MatchedRecordID)
	assert.Equal(t, best.Record.ID, *d.MatchedRecordID)

	d = policy.Decide(nil, []models.ScoredCandidate{scored(70)})
	assert.False(t, d.IsDuplicate)
	assert.NotNil(t, d.MatchedRecordID)
	assert.Nil(t, d.ReviewID)

	d = policy.Decide(nil, []models.ScoredCandidate{scored(20)})
	assert.False(t, d.IsDuplicate)
	assert.Nil(t, d.MatchedRecordID)
}

func TestDecisionPolicy_ExactMatchWins(t *testing.T) {
	var policy DecisionPolicy
	exact := &models.Record{ID: uuid.New()}

	d := policy.Decide(exact, []models.ScoredCandidate{scored(99)})
	assert.Equal(t, models.ActionUpdate, d.Action)
	assert.Equal(t, models.ConfidenceHigh, d.Confidence)
	assert.Equal(t, ExactMatchScore, d.Score)
	assert.True(t, d.IsDuplicate)
	assert.Equal(t, exact.ID, *d.MatchedRecordID)
	assert.Nil(t, d.ScoreBreakdown)
}

func TestDecisionPolicy_NoCandidates(t *testing.T) {
	var policy DecisionPolicy
	d := policy.Decide(nil, nil)
	assert.Equal(t, models.ActionCreate, d.Action)
	assert.Equal(t, models.ConfidenceHigh, d.Confidence)
	assert.Zero(t, d.Score)
	assert.Nil(t, d.ScoreBreakdown)
}
