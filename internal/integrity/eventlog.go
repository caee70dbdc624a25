package integrity

import (
	"errors"
	"time"

	"github.com/stemsi/exstem-integrity/internal/model"
)

var errLogSealed = errors.New("event log is sealed")

// EventLog is an append-only record of a session's security events.
// Once sealed it rejects further appends.
type EventLog struct {
	events []model.SecurityEvent
	sealed bool
}

func (l *EventLog) append(e model.SecurityEvent) error {
	if l.sealed {
		return errLogSealed
	}
	l.events = append(l.events, e)
	return nil
}

func (l *EventLog) seal() { l.sealed = true }

func (l *EventLog) Len() int { return len(l.events) }

// Events returns a copy of the log.
func (l *EventLog) Events() []model.SecurityEvent {
	out := make([]model.SecurityEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Violations counts sensor-raised events, ignoring system kinds.
func (l *EventLog) Violations() int {
	n := 0
	for _, e := range l.events {
		if e.Kind.Violation() {
			n++
		}
	}
	return n
}

// CountKind counts events of one kind.
func (l *EventLog) CountKind(kind model.EventKind) int {
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// LastViolationAt returns the timestamp of the most recent violation.
func (l *EventLog) LastViolationAt() time.Time {
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind.Violation() {
			return l.events[i].Timestamp
		}
	}
	return time.Time{}
}
