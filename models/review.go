package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ReviewStatus tracks adjudication of a duplicate review
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// DuplicateReview is a medium-confidence match awaiting human/AI adjudication
type DuplicateReview struct {
	ID                      uuid.UUID       `json:"id" db:"id"`
	Candidate               json.RawMessage `json:"candidate" db:"candidate"`
	CandidateSourcePlatform string          `json:"candidate_source_platform" db:"candidate_source_platform"`
	CandidateSourceID       string          `json:"candidate_source_id" db:"candidate_source_id"`
	SubjectRecordID         *uuid.UUID      `json:"subject_record_id" db:"subject_record_id"` // set when raised by the scan
	MatchedRecordID         uuid.UUID       `json:"matched_record_id" db:"matched_record_id"`
	Score                   float64         `json:"score" db:"score"`
	ScoreBreakdown          ScoreBreakdown  `json:"score_breakdown" db:"-"`
	Status                  ReviewStatus    `json:"status" db:"status"`
	ReviewedBy              string          `json:"reviewed_by" db:"reviewed_by"`
	Decision                string          `json:"decision" db:"decision"`
	CreatedAt               time.Time       `json:"created_at" db:"created_at"`
	ReviewedAt              *time.Time      `json:"reviewed_at" db:"reviewed_at"`
}

// ListingCandidate decodes the candidate snapshot
func (r *DuplicateReview) ListingCandidate() (*ListingCandidate, error) {
	var c ListingCandidate
	if err := json.Unmarshal(r.Candidate, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Review decisions recorded on resolution
const (
	ReviewDecisionUnique = "unique"
	ReviewDecisionMerge  = "merge"
)

// ReviewResolution is the adjudication outcome passed to ResolveReview.
// A nil MasterID marks the candidate unique; otherwise the candidate is
// merged into MasterID.
type ReviewResolution struct {
	MasterID   *uuid.UUID
	ReviewedBy string
}

// ResolveUnique builds a resolution that keeps the candidate separate
func ResolveUnique(reviewer string) ReviewResolution {
	return ReviewResolution{ReviewedBy: reviewer}
}

// ResolveMergeWith builds a resolution that merges into masterID
func ResolveMergeWith(masterID uuid.UUID, reviewer string) ReviewResolution {
	return ReviewResolution{MasterID: &masterID, ReviewedBy: reviewer}
}

// MergeHistoryEntry is the append-only audit row written once per merge
type MergeHistoryEntry struct {
	ID                     uuid.UUID      `json:"id" db:"id"`
	MasterRecordID         uuid.UUID      `json:"master_record_id" db:"master_record_id"`
	AbsorbedRecordID       *uuid.UUID     `json:"absorbed_record_id" db:"absorbed_record_id"`
	AbsorbedSourcePlatform string         `json:"absorbed_source_platform" db:"absorbed_source_platform"`
	AbsorbedSourceID       string         `json:"absorbed_source_id" db:"absorbed_source_id"`
	MergedFields           []string       `json:"merged_fields" db:"-"`
	PreviousValues         map[string]any `json:"previous_values" db:"-"`
	Reason                 string         `json:"reason" db:"reason"`
	MergedAt               time.Time      `json:"merged_at" db:"merged_at"`
}

// Merge reasons
const (
	MergeReasonDuplicateDetected = "duplicate_detected"
	MergeReasonManualReview      = "manual_review"
	MergeReasonManualMerge       = "manual_merge"
	MergeReasonScan              = "scan"
)
