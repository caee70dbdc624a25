package websocket

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-integrity/internal/integrity"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionBegin     Action = "begin"
	ActionSignal    Action = "signal"
	ActionAnswer    Action = "answer"
	ActionAdvance   Action = "advance"
	ActionBack      Action = "back"
	ActionSubmit    Action = "submit"
	ActionRetrySync Action = "retry_sync"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// BeginRequest reports which lockdown resources the agent acquired.
type BeginRequest struct {
	Action     Action `json:"action"`
	Fullscreen bool   `json:"fullscreen"`
	Capture    bool   `json:"capture"`
}

// SignalRequest forwards one raw environment observation.
type SignalRequest struct {
	Action Action           `json:"action"`
	Signal integrity.Signal `json:"signal"`
}

// AnswerRequest saves a single answer.
type AnswerRequest struct {
	Action     Action          `json:"action"`
	QuestionID uuid.UUID       `json:"question_id"`
	Answer     json.RawMessage `json:"answer"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSession     Event = "session"
	EventState       Event = "state"
	EventWarn        Event = "warn"
	EventTimeWarning Event = "time_warning"
	EventSync        Event = "sync"
	EventGraded      Event = "graded"
	EventDeny        Event = "deny"
	EventRelease     Event = "release"
	EventAck         Event = "ack"
	EventError       Event = "error"
	EventPong        Event = "pong"
)

// SessionResponse is sent once per connection with everything the agent
// needs to render the assessment.
type SessionResponse struct {
	Event      Event                    `json:"event"`
	Resumed    bool                     `json:"resumed"`
	Assessment *model.AssessmentPayload `json:"assessment"`
	Session    integrity.Snapshot       `json:"session"`
}

// NoticeResponse relays a session notice to its taker.
type NoticeResponse struct {
	Event  Event            `json:"event"`
	Notice integrity.Notice `json:"notice"`
}

// GradedResponse carries the taker's result once it has been stored.
type GradedResponse struct {
	Event  Event               `json:"event"`
	Result model.ResultSummary `json:"result"`
}

// DenyResponse asks the agent to block the default effect of a signal.
type DenyResponse struct {
	Event  Event            `json:"event"`
	Signal integrity.Signal `json:"signal"`
}

// ReleaseResponse tells the agent to give back a lockdown resource.
type ReleaseResponse struct {
	Event    Event  `json:"event"`
	Resource string `json:"resource"`
}

// AckResponse confirms an action. Navigation acks carry the new snapshot.
type AckResponse struct {
	Event   Event               `json:"event"`
	Action  Action              `json:"action"`
	Session *integrity.Snapshot `json:"session,omitempty"`
}

type ErrorResponse struct {
	Event  Event  `json:"event"`
	Action Action `json:"action,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
