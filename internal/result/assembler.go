// Package result combines graded answers and security events into the
// final record of an attempt.
package result

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-integrity/internal/grading"
	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/scoring"
)

// Answer is one recorded answer as it leaves the session.
type Answer struct {
	QuestionID uuid.UUID       `json:"question_id"`
	Value      json.RawMessage `json:"value"`
	TimeSpent  int             `json:"time_spent"`
}

// Input is everything needed to assemble a result.
type Input struct {
	Assessment    *model.Assessment
	Key           *model.AnswerKey
	SessionID     *uuid.UUID
	UserID        string
	AttemptNumber int
	Status        model.SessionState
	Answers       []Answer
	// Events must already carry their final weights.
	Events       []model.SecurityEvent
	ForcedReview bool
	StartTime    time.Time
	EndTime      time.Time
	SubmittedAt  time.Time
}

// Assembler grades and scores attempts.
type Assembler struct {
	log zerolog.Logger
}

func NewAssembler(log zerolog.Logger) *Assembler {
	return &Assembler{log: log.With().Str("component", "result_assembler").Logger()}
}

// Assemble builds the Result. Answers to questions missing from the key
// score zero and are logged; they never abort grading.
func (a *Assembler) Assemble(in Input) *model.Result {
	g := in.Assessment.Settings.Grading
	engine := grading.New(grading.WithPartialCredit(g.PartialCredit))
	lookup := in.Key.Lookup()

	latest := lastWrites(in.Answers)
	answers := make([]model.GradedAnswer, 0, len(latest))
	earned := 0
	for _, ans := range latest {
		graded := model.GradedAnswer{
			QuestionID: ans.QuestionID,
			Answer:     ans.Value,
			TimeSpent:  ans.TimeSpent,
		}

		q, ok := lookup[ans.QuestionID]
		if !ok {
			a.log.Warn().
				Str("assessment_id", in.Assessment.ID.String()).
				Str("question_id", ans.QuestionID.String()).
				Msg("Answered question missing from answer key, scoring 0")
			f := false
			graded.IsCorrect = &f
			answers = append(answers, graded)
			continue
		}

		out, err := engine.Grade(q, ans.Value)
		if err != nil {
			a.log.Warn().Err(err).
				Str("assessment_id", in.Assessment.ID.String()).
				Str("question_id", q.ID.String()).
				Msg("Answer could not be graded, scoring 0")
		}

		points := out.EarnedPoints
		if penalized(q, ans.Value, out) {
			points -= Penalty(q.Points, g.PenaltyForIncorrect)
		}
		graded.IsCorrect = out.IsCorrect
		graded.Points = points
		earned += points
		answers = append(answers, graded)
	}

	if earned < 0 {
		earned = 0
	}

	cheating := scoring.Flag(scoring.Assess(in.Events), in.ForcedReview)

	timeSpent := 0
	if !in.EndTime.IsZero() && in.EndTime.After(in.StartTime) {
		timeSpent = int(in.EndTime.Sub(in.StartTime) / time.Second)
	}

	events := in.Events
	if events == nil {
		events = []model.SecurityEvent{}
	}

	return &model.Result{
		ID:               uuid.New(),
		AssessmentID:     in.Assessment.ID,
		UserID:           in.UserID,
		AttemptNumber:    in.AttemptNumber,
		Status:           in.Status,
		Answers:          answers,
		SecurityEvents:   events,
		Score:            Score(earned, in.Key.TotalPoints(), g.PassingScore),
		CheatingScore:    cheating.RiskScore,
		FlaggedForReview: cheating.FlaggedForReview,
		SessionInfo: model.SessionInfo{
			SessionID: in.SessionID,
			StartTime: in.StartTime,
			EndTime:   in.EndTime,
			TimeSpent: timeSpent,
		},
		SubmittedAt: in.SubmittedAt,
	}
}

// lastWrites collapses repeated answers to one per question. The last
// value wins and keeps the position of the first occurrence; time spent
// is summed.
func lastWrites(in []Answer) []Answer {
	out := make([]Answer, 0, len(in))
	seen := make(map[uuid.UUID]int, len(in))
	for _, ans := range in {
		if i, ok := seen[ans.QuestionID]; ok {
			out[i].Value = ans.Value
			out[i].TimeSpent += ans.TimeSpent
			continue
		}
		seen[ans.QuestionID] = len(out)
		out = append(out, ans)
	}
	return out
}

// penalized reports whether a wrong answer loses points: it must be
// answered, auto-gradable and have earned nothing.
func penalized(q model.QuestionDefinition, value json.RawMessage, out grading.Outcome) bool {
	if out.IsCorrect == nil || *out.IsCorrect || out.EarnedPoints > 0 {
		return false
	}
	return !grading.Blank(value)
}

// Penalty is the floored share of points lost for a wrong answer.
func Penalty(points, percent int) int {
	if percent <= 0 || points <= 0 {
		return 0
	}
	if percent > 100 {
		percent = 100
	}
	return points * percent / 100
}

// Score derives percentage, pass and letter grade from raw points.
func Score(raw, total, passingScore int) model.ScoreResult {
	pct := 0
	if total > 0 {
		pct = int(math.Round(100 * float64(raw) / float64(total)))
	}
	return model.ScoreResult{
		RawPoints:   raw,
		TotalPoints: total,
		Percentage:  pct,
		Passed:      pct >= passingScore,
		Grade:       LetterGrade(pct),
	}
}

// LetterGrade maps a percentage onto A..F.
func LetterGrade(pct int) string {
	switch {
	case pct >= 90:
		return "A"
	case pct >= 80:
		return "B"
	case pct >= 70:
		return "C"
	case pct >= 60:
		return "D"
	default:
		return "F"
	}
}
