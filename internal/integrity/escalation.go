package integrity

import (
	"github.com/stemsi/exstem-integrity/internal/model"
)

// EscalationPolicy decides when violations terminate a session.
// Escalation counts violations and is independent of the risk score.
type EscalationPolicy struct {
	// Total terminates once this many violations are logged. Zero disables it.
	Total int
	// PerKind terminates once a single kind reaches its own threshold.
	PerKind map[model.EventKind]int
}

// DefaultEscalationPolicy terminates on the third violation.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{Total: 3}
}

// Escalates reports whether the log, whose latest violation is of kind
// last, has crossed a threshold.
func (p EscalationPolicy) Escalates(log *EventLog, last model.EventKind) bool {
	if p.Total > 0 && log.Violations() >= p.Total {
		return true
	}
	if n, ok := p.PerKind[last]; ok && n > 0 && log.CountKind(last) >= n {
		return true
	}
	return false
}
