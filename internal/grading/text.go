package grading

import (
	"encoding/json"
	"strings"

	"github.com/stemsi/exstem-integrity/internal/model"
)

// Text answers match exactly after trimming and case folding. There is no
// fuzzy matching: "colour" does not match "color".

type shortAnswerStrategy struct{}

func (shortAnswerStrategy) Grade(q model.QuestionDefinition, answer json.RawMessage) (Outcome, error) {
	var s string
	if err := json.Unmarshal(answer, &s); err != nil {
		return Outcome{}, ErrMalformedAnswer
	}
	return verdict(matchAny(s, q.AcceptedAnswers), q.Points), nil
}

// fillBlankStrategy grades a single string against AcceptedAnswers, or an
// array positionally against Blanks.
type fillBlankStrategy struct{}

func (fillBlankStrategy) Grade(q model.QuestionDefinition, answer json.RawMessage) (Outcome, error) {
	var s string
	if err := json.Unmarshal(answer, &s); err == nil {
		accepted := q.AcceptedAnswers
		if len(accepted) == 0 && len(q.Blanks) == 1 {
			accepted = q.Blanks[0]
		}
		return verdict(matchAny(s, accepted), q.Points), nil
	}

	var parts []string
	if err := json.Unmarshal(answer, &parts); err != nil {
		return Outcome{}, ErrMalformedAnswer
	}

	blanks := q.Blanks
	if len(blanks) == 0 && len(q.AcceptedAnswers) > 0 {
		blanks = [][]string{q.AcceptedAnswers}
	}
	if len(parts) != len(blanks) || len(blanks) == 0 {
		return incorrect(), nil
	}
	for i, p := range parts {
		if !matchAny(p, blanks[i]) {
			return incorrect(), nil
		}
	}
	return verdict(true, q.Points), nil
}

type essayStrategy struct{}

func (essayStrategy) Grade(model.QuestionDefinition, json.RawMessage) (Outcome, error) {
	return Outcome{}, nil
}

func matchAny(s string, accepted []string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, a := range accepted {
		if strings.EqualFold(s, strings.TrimSpace(a)) {
			return true
		}
	}
	return false
}
