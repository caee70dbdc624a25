package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScoreResult is the graded outcome of an attempt.
type ScoreResult struct {
	RawPoints   int    `json:"raw"`
	TotalPoints int    `json:"total"`
	Percentage  int    `json:"percentage"`
	Passed      bool   `json:"passed"`
	Grade       string `json:"grade"`
}

// CheatingAssessment is the bounded risk derived from security events.
type CheatingAssessment struct {
	RiskScore        int  `json:"risk_score"`
	FlaggedForReview bool `json:"flagged_for_review"`
}

// GradedAnswer is one answer in a stored result. IsCorrect is nil for
// questions that need manual grading.
type GradedAnswer struct {
	QuestionID uuid.UUID       `json:"question"`
	Answer     json.RawMessage `json:"answer"`
	IsCorrect  *bool           `json:"is_correct"`
	Points     int             `json:"points"`
	TimeSpent  int             `json:"time_spent"`
}

// SessionInfo records timing for an attempt. TimeSpent is in seconds.
type SessionInfo struct {
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	TimeSpent int        `json:"time_spent"`
}

// Result is the final, auditable record of an attempt.
type Result struct {
	ID               uuid.UUID       `json:"id"`
	AssessmentID     uuid.UUID       `json:"assessment_id"`
	UserID           string          `json:"user_id"`
	AttemptNumber    int             `json:"attempt_number"`
	Status           SessionState    `json:"status"`
	Answers          []GradedAnswer  `json:"answers"`
	SecurityEvents   []SecurityEvent `json:"security_events"`
	Score            ScoreResult     `json:"score"`
	CheatingScore    int             `json:"cheating_score"`
	FlaggedForReview bool            `json:"flagged_for_review"`
	SessionInfo      SessionInfo     `json:"session_info"`
	SubmittedAt      time.Time       `json:"submitted_at"`
}

// Key returns the idempotency key of the result.
func (r *Result) Key() AttemptKey {
	return AttemptKey{AssessmentID: r.AssessmentID, UserID: r.UserID, AttemptNumber: r.AttemptNumber}
}

// Cheating returns the stored cheating assessment.
func (r *Result) Cheating() CheatingAssessment {
	return CheatingAssessment{RiskScore: r.CheatingScore, FlaggedForReview: r.FlaggedForReview}
}

// ResultSummary is what the taker sees after submitting.
type ResultSummary struct {
	ID          uuid.UUID   `json:"id"`
	Score       ScoreResult `json:"score"`
	Passed      bool        `json:"passed"`
	TimeSpent   int         `json:"time_spent"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// Summary projects the result for the taker.
func (r *Result) Summary() ResultSummary {
	return ResultSummary{
		ID:          r.ID,
		Score:       r.Score,
		Passed:      r.Score.Passed,
		TimeSpent:   r.SessionInfo.TimeSpent,
		SubmittedAt: r.SubmittedAt,
	}
}

// ─── Requests ───────────────────────────────────────────────────────

// SubmitRequest is the HTTP submission payload.
type SubmitRequest struct {
	Answers        []SubmittedAnswer `json:"answers" binding:"required,unique=QuestionID,dive"`
	SessionInfo    SubmitSessionInfo `json:"session_info" binding:"required"`
	SecurityEvents []SubmittedEvent  `json:"security_events" binding:"omitempty,dive"`
}

type SubmittedAnswer struct {
	QuestionID uuid.UUID       `json:"question" binding:"required"`
	Answer     json.RawMessage `json:"answer"`
	TimeSpent  int             `json:"time_spent" binding:"min=0"`
}

type SubmitSessionInfo struct {
	SessionID     *uuid.UUID `json:"session_id"`
	AttemptNumber int        `json:"attempt_number" binding:"required,min=1"`
	StartTime     time.Time  `json:"start_time" binding:"required"`
	EndTime       time.Time  `json:"end_time" binding:"required,gtefield=StartTime"`
}

// SubmittedEvent carries a client-observed event. The weight is never
// trusted; it is recomputed from the kind.
type SubmittedEvent struct {
	Kind          EventKind `json:"kind" binding:"required,event_kind"`
	Timestamp     time.Time `json:"timestamp" binding:"required"`
	QuestionIndex int       `json:"question_index" binding:"min=0"`
}
