package model

import (
	"time"

	"github.com/google/uuid"
)

// AssessmentStatus enumerates the possible states of an assessment.
type AssessmentStatus string

const (
	AssessmentStatusDraft     AssessmentStatus = "DRAFT"
	AssessmentStatusPublished AssessmentStatus = "PUBLISHED"
	AssessmentStatusArchived  AssessmentStatus = "ARCHIVED"
)

// AccessType controls who may open an assessment.
type AccessType string

const (
	AccessPublic   AccessType = "PUBLIC"
	AccessPrivate  AccessType = "PRIVATE"
	AccessPassword AccessType = "PASSWORD"
	AccessLinkOnly AccessType = "LINK_ONLY"
)

// Assessment is the authoring-owned definition the engine reads.
// Questions are loaded separately (see QuestionDefinition).
type Assessment struct {
	ID           uuid.UUID        `json:"id"`
	Title        string           `json:"title"`
	Instructions string           `json:"instructions"`
	Status       AssessmentStatus `json:"status"`
	Settings     Settings         `json:"settings"`
	StartDate    *time.Time       `json:"start_date,omitempty"`
	EndDate      *time.Time       `json:"end_date,omitempty"`
	// PasswordHash is a bcrypt hash, set only for AccessPassword.
	PasswordHash string `json:"-"`
	// AccessCode gates AccessPrivate assessments.
	AccessCode string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Settings is stored as JSONB alongside the assessment row.
type Settings struct {
	TimeLimit TimeLimit        `json:"time_limit"`
	Questions QuestionSettings `json:"questions"`
	Attempts  AttemptSettings  `json:"attempts"`
	Access    AccessSettings   `json:"access"`
	Security  SecuritySettings `json:"security"`
	Grading   GradingSettings  `json:"grading"`
}

type TimeLimit struct {
	Enabled         bool `json:"enabled"`
	DurationMinutes int  `json:"duration_minutes"`
}

type QuestionSettings struct {
	AllowBacktrack bool `json:"allow_backtrack"`
}

type AttemptSettings struct {
	Unlimited   bool `json:"unlimited"`
	MaxAttempts int  `json:"max_attempts"`
}

type AccessSettings struct {
	Type           AccessType `json:"type"`
	AllowedDomains []string   `json:"allowed_domains,omitempty"`
	IPRestrictions []string   `json:"ip_restrictions,omitempty"`
}

// SecuritySettings selects which lockdown sensors are attached.
type SecuritySettings struct {
	PreventCheating   bool `json:"prevent_cheating"`
	FullScreen        bool `json:"full_screen"`
	DisableRightClick bool `json:"disable_right_click"`
	PreventCopyPaste  bool `json:"prevent_copy_paste"`
	Proctoring        bool `json:"proctoring"`
	Webcam            bool `json:"webcam"`
}

// Proctored reports whether a capture device must be held for the session.
func (s SecuritySettings) Proctored() bool {
	return s.Proctoring && s.Webcam
}

type GradingSettings struct {
	PassingScore        int  `json:"passing_score"`
	PartialCredit       bool `json:"partial_credit"`
	PenaltyForIncorrect int  `json:"penalty_for_incorrect"`
}

// Duration returns the session length, or zero when the assessment is untimed.
func (a *Assessment) Duration() time.Duration {
	if !a.Settings.TimeLimit.Enabled || a.Settings.TimeLimit.DurationMinutes <= 0 {
		return 0
	}
	return time.Duration(a.Settings.TimeLimit.DurationMinutes) * time.Minute
}

// InWindow reports whether now falls inside the optional schedule window.
func (a *Assessment) InWindow(now time.Time) bool {
	if a.StartDate != nil && now.Before(*a.StartDate) {
		return false
	}
	if a.EndDate != nil && now.After(*a.EndDate) {
		return false
	}
	return true
}

// AttemptsExhausted reports whether used attempts reach the configured limit.
func (a *Assessment) AttemptsExhausted(used int) bool {
	if a.Settings.Attempts.Unlimited || a.Settings.Attempts.MaxAttempts <= 0 {
		return false
	}
	return used >= a.Settings.Attempts.MaxAttempts
}

// AssessmentPayload is the Redis-cached payload sent to takers (no answer key).
type AssessmentPayload struct {
	AssessmentID    uuid.UUID        `json:"assessment_id"`
	Title           string           `json:"title"`
	Instructions    string           `json:"instructions"`
	DurationMinutes int              `json:"duration_minutes"`
	AllowBacktrack  bool             `json:"allow_backtrack"`
	Security        SecuritySettings `json:"security"`
	Questions       []QuestionView   `json:"questions"`
}

// TakeRequest carries the optional credentials for gated assessments.
type TakeRequest struct {
	Password   string `form:"password" json:"password" binding:"omitempty,max=128"`
	AccessCode string `form:"access_code" json:"access_code" binding:"omitempty,max=64"`
}
