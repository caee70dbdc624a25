// Package scoring turns a session's security events into a bounded
// cheating risk score.
package scoring

import (
	"time"

	"github.com/stemsi/exstem-integrity/internal/model"
)

const (
	// MaxRiskScore caps the risk score.
	MaxRiskScore = 100
	// ReviewThreshold flags a session for manual review.
	ReviewThreshold = 50
	// BurstBonus is added when a violation follows another within the burst window.
	BurstBonus = 10
	// DefaultBurstWindow is the gap under which consecutive violations count as a burst.
	DefaultBurstWindow = 2 * time.Second
)

var baseWeights = map[model.EventKind]int{
	model.EventTabSwitch:          5,
	model.EventWindowBlur:         5,
	model.EventCopyAttempt:        10,
	model.EventPasteAttempt:       10,
	model.EventFullscreenExit:     15,
	model.EventProhibitedKeyCombo: 10,
	model.EventDevToolsSuspected:  20,
	model.EventRightClick:         0,
}

// BaseWeight returns the weight of a kind before any burst bonus.
// System kinds weigh nothing.
func BaseWeight(kind model.EventKind) int {
	return baseWeights[kind]
}

// Weigh returns the full severity weight for a violation. Kinds that weigh
// nothing on their own get no burst bonus either.
func Weigh(kind model.EventKind, burst bool) int {
	w := BaseWeight(kind)
	if burst && w > 0 && kind.Violation() {
		w += BurstBonus
	}
	return w
}

// IsBurst reports whether a violation at t follows prev within window.
func IsBurst(prev, t time.Time, window time.Duration) bool {
	if prev.IsZero() || window <= 0 {
		return false
	}
	d := t.Sub(prev)
	return d >= 0 && d < window
}

// Assess computes the cheating assessment for a complete event list.
func Assess(events []model.SecurityEvent) model.CheatingAssessment {
	var acc Accumulator
	for _, e := range events {
		acc.Add(e)
	}
	return acc.Assessment()
}

// Reweigh recomputes weights and burst flags from kinds and timestamps,
// discarding whatever weights the events arrived with. Event order is kept.
func Reweigh(events []model.SecurityEvent, window time.Duration) []model.SecurityEvent {
	out := make([]model.SecurityEvent, len(events))
	var prev time.Time
	for i, e := range events {
		e.Burst = false
		if e.Kind.Violation() {
			e.Burst = IsBurst(prev, e.Timestamp, window)
			prev = e.Timestamp
		}
		e.SeverityWeight = Weigh(e.Kind, e.Burst)
		out[i] = e
	}
	return out
}

// Accumulator maintains a running risk score as events arrive. Its
// result always equals Assess over the same events, and it never decreases.
type Accumulator struct {
	score int
}

// Add folds one event in and returns the updated assessment.
func (a *Accumulator) Add(e model.SecurityEvent) model.CheatingAssessment {
	if e.SeverityWeight > 0 {
		a.score += e.SeverityWeight
		if a.score > MaxRiskScore {
			a.score = MaxRiskScore
		}
	}
	return a.Assessment()
}

// Assessment returns the current assessment.
func (a *Accumulator) Assessment() model.CheatingAssessment {
	return model.CheatingAssessment{
		RiskScore:        a.score,
		FlaggedForReview: a.score >= ReviewThreshold,
	}
}

// Flag returns c with FlaggedForReview forced on when forced is set.
func Flag(c model.CheatingAssessment, forced bool) model.CheatingAssessment {
	if forced {
		c.FlaggedForReview = true
	}
	return c
}
