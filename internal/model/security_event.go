package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a security event.
type EventKind string

const (
	EventTabSwitch          EventKind = "TAB_SWITCH"
	EventWindowBlur         EventKind = "WINDOW_BLUR"
	EventFullscreenExit     EventKind = "FULLSCREEN_EXIT"
	EventRightClick         EventKind = "RIGHT_CLICK"
	EventCopyAttempt        EventKind = "COPY_ATTEMPT"
	EventPasteAttempt       EventKind = "PASTE_ATTEMPT"
	EventProhibitedKeyCombo EventKind = "PROHIBITED_KEY_COMBO"
	EventDevToolsSuspected  EventKind = "DEVTOOLS_SUSPECTED"

	// System kinds are recorded for audit and never count as violations.
	EventAutoSubmitTimeout    EventKind = "AUTO_SUBMIT_TIMEOUT"
	EventEscalationTerminated EventKind = "ESCALATION_TERMINATED"
	EventCaptureRevoked       EventKind = "CAPTURE_REVOKED"
)

// Violation reports whether the kind is raised by a sensor.
func (k EventKind) Violation() bool {
	switch k {
	case EventTabSwitch, EventWindowBlur, EventFullscreenExit, EventRightClick,
		EventCopyAttempt, EventPasteAttempt, EventProhibitedKeyCombo, EventDevToolsSuspected:
		return true
	}
	return false
}

// Valid reports whether k is any known kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventAutoSubmitTimeout, EventEscalationTerminated, EventCaptureRevoked:
		return true
	}
	return k.Violation()
}

// SecurityEvent is one entry of a session's append-only violation log.
type SecurityEvent struct {
	Kind           EventKind `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	QuestionIndex  int       `json:"question_index"`
	SeverityWeight int       `json:"severity_weight"`
	Burst          bool      `json:"burst,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// Severity buckets a weight for the live monitor.
func Severity(weight int) string {
	switch {
	case weight <= 0:
		return "info"
	case weight <= 5:
		return "low"
	case weight <= 10:
		return "medium"
	case weight <= 20:
		return "high"
	default:
		return "critical"
	}
}

// SecurityEventRecord is the persisted row written by the security event worker.
type SecurityEventRecord struct {
	SessionID    uuid.UUID `json:"session_id"`
	AssessmentID uuid.UUID `json:"assessment_id"`
	UserID       string    `json:"user_id"`
	SecurityEvent
}
