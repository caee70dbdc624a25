package grading

import (
	"encoding/json"
	"strings"

	"github.com/stemsi/exstem-integrity/internal/model"
)

type singleChoiceStrategy struct{}

func (singleChoiceStrategy) Grade(q model.QuestionDefinition, answer json.RawMessage) (Outcome, error) {
	var id string
	if err := json.Unmarshal(answer, &id); err != nil {
		return Outcome{}, ErrMalformedAnswer
	}
	correct, ok := correctOption(q)
	return verdict(ok && id == correct.ID, q.Points), nil
}

// trueFalseStrategy accepts the option id or a JSON boolean matched
// against the option text.
type trueFalseStrategy struct{}

func (trueFalseStrategy) Grade(q model.QuestionDefinition, answer json.RawMessage) (Outcome, error) {
	correct, ok := correctOption(q)
	if !ok {
		return incorrect(), nil
	}

	var b bool
	if err := json.Unmarshal(answer, &b); err == nil {
		want := "false"
		if b {
			want = "true"
		}
		return verdict(strings.EqualFold(strings.TrimSpace(correct.Text), want), q.Points), nil
	}

	var id string
	if err := json.Unmarshal(answer, &id); err != nil {
		return Outcome{}, ErrMalformedAnswer
	}
	return verdict(id == correct.ID, q.Points), nil
}

type multipleChoiceStrategy struct{ partial bool }

func (s multipleChoiceStrategy) Grade(q model.QuestionDefinition, answer json.RawMessage) (Outcome, error) {
	var ids []string
	if err := json.Unmarshal(answer, &ids); err != nil {
		return Outcome{}, ErrMalformedAnswer
	}

	correct := make(map[string]struct{})
	for _, o := range q.Options {
		if o.IsCorrect {
			correct[o.ID] = struct{}{}
		}
	}
	submitted := toSet(ids)

	if len(correct) > 0 && setEqual(correct, submitted) {
		return verdict(true, q.Points), nil
	}

	out := incorrect()
	if s.partial && len(correct) > 0 {
		inter := 0
		for id := range submitted {
			if _, ok := correct[id]; ok {
				inter++
			}
		}
		// Integer division floors for non-negative operands.
		out.EarnedPoints = q.Points * inter / len(correct)
	}
	return out, nil
}

func correctOption(q model.QuestionDefinition) (model.Option, bool) {
	for _, o := range q.Options {
		if o.IsCorrect {
			return o, true
		}
	}
	return model.Option{}, false
}

func toSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		m[x] = struct{}{}
	}
	return m
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
