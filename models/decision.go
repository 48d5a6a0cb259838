package models

import "github.com/google/uuid"

// Action is what the caller should do with a candidate
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionMerge  Action = "merge"
	ActionReview Action = "review"
)

// Confidence of a reconciliation decision
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Component caps of the similarity score
const (
	MaxLocationScore    = 40
	MaxTitleScore       = 20
	MaxDescriptionScore = 15
	MaxPriceScore       = 10
	MaxImageScore       = 30
	MaxPhoneScore       = 20
)

// ScoreBreakdown holds the six independently weighted score components
type ScoreBreakdown struct {
	Location    float64 `json:"location_score"`
	Title       float64 `json:"title_score"`
	Description float64 `json:"description_score"`
	Price       float64 `json:"price_score"`
	Image       float64 `json:"image_score"`
	Phone       float64 `json:"phone_score"`
}

// Total sums the components
func (b ScoreBreakdown) Total() float64 {
	return b.Location + b.Title + b.Description + b.Price + b.Image + b.Phone
}

// ScoredCandidate pairs an existing record with its similarity to the incoming candidate
type ScoredCandidate struct {
	Record    *Record
	Breakdown ScoreBreakdown
	Score     float64
}

// Decision is the outcome of checking a candidate for duplicates
type Decision struct {
	Action          Action          `json:"action"`
	Confidence      Confidence      `json:"confidence"`
	IsDuplicate     bool            `json:"is_duplicate"`
	MatchedRecordID *uuid.UUID      `json:"matched_record_id,omitempty"`
	MatchedRecord   *Record         `json:"-"`
	Score           float64         `json:"score"`
	ScoreBreakdown  *ScoreBreakdown `json:"score_breakdown,omitempty"`
	ReviewID        *uuid.UUID      `json:"review_id,omitempty"`
}
