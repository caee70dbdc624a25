package integrity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-integrity/internal/model"
)

type NoticeType string

const (
	NoticeState       NoticeType = "state"
	NoticeViolation   NoticeType = "violation"
	NoticeWarn        NoticeType = "warn"
	NoticeTimeWarning NoticeType = "time_warning"
	NoticeAnswer      NoticeType = "answer"
	NoticeSync        NoticeType = "sync"
)

// Notice is an outbound observation about a session: state changes,
// violations, time warnings, saved answers and delivery status.
type Notice struct {
	Type         NoticeType               `json:"type"`
	SessionID    uuid.UUID                `json:"session_id"`
	AssessmentID uuid.UUID                `json:"assessment_id"`
	UserID       string                   `json:"user_id"`
	State        model.SessionState       `json:"state"`
	Event        *model.SecurityEvent     `json:"event,omitempty"`
	Severity     string                   `json:"severity,omitempty"`
	Cheating     model.CheatingAssessment `json:"cheating"`
	Violations   int                      `json:"violations"`
	QuestionID   *uuid.UUID               `json:"question_id,omitempty"`
	Answer       json.RawMessage          `json:"answer,omitempty"`
	Answered     int                      `json:"answered"`
	Remaining    int                      `json:"remaining_seconds,omitempty"`
	Sync         model.SyncStatus         `json:"sync,omitempty"`
	Result       *model.ResultSummary     `json:"result,omitempty"`
	Message      string                   `json:"message,omitempty"`
	Timestamp    time.Time                `json:"timestamp"`
}

// Observer receives notices. Notify runs on the session goroutine and
// must not block; slow consumers should buffer and drop.
type Observer interface {
	Notify(n Notice)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notice)

func (f ObserverFunc) Notify(n Notice) { f(n) }

// Observers fans a notice out to several observers.
type Observers []Observer

func (os Observers) Notify(n Notice) {
	for _, o := range os {
		if o != nil {
			o.Notify(n)
		}
	}
}
