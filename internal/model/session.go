package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates the lifecycle of an exam session.
type SessionState string

const (
	StateNotStarted   SessionState = "NOT_STARTED"
	StateInstructions SessionState = "INSTRUCTIONS"
	StateActive       SessionState = "ACTIVE"
	// StateWarning is only ever reported in notices; sessions stay Active.
	StateWarning    SessionState = "WARNING"
	StateTerminated SessionState = "TERMINATED"
	StateSubmitted  SessionState = "SUBMITTED"
	StateTimedOut   SessionState = "TIMED_OUT"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateTerminated || s == StateSubmitted || s == StateTimedOut
}

// SyncStatus tracks delivery of a frozen submission to the server.
type SyncStatus string

const (
	SyncNone    SyncStatus = "NONE"
	SyncPending SyncStatus = "PENDING"
	SyncSynced  SyncStatus = "SYNCED"
	SyncFailed  SyncStatus = "FAILED"
)

// ExamSession is the persisted row for one attempt.
type ExamSession struct {
	ID            uuid.UUID    `json:"id"`
	AssessmentID  uuid.UUID    `json:"assessment_id"`
	UserID        string       `json:"user_id"`
	AttemptNumber int          `json:"attempt_number"`
	State         SessionState `json:"state"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	EndedAt       *time.Time   `json:"ended_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// AttemptKey identifies one attempt; results are unique on it.
type AttemptKey struct {
	AssessmentID  uuid.UUID `json:"assessment_id"`
	UserID        string    `json:"user_id"`
	AttemptNumber int       `json:"attempt_number"`
}

func (k AttemptKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.AssessmentID, k.UserID, k.AttemptNumber)
}

// AnonymousUserID builds the identity used for link-only anonymous takers.
func AnonymousUserID() string {
	return "anon:" + uuid.NewString()
}
