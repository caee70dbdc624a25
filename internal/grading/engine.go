// Package grading scores a single answer against its question definition.
package grading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-integrity/internal/model"
)

var (
	ErrMalformedAnswer = errors.New("answer does not match the question type")
	ErrUnsupportedType = errors.New("no grading strategy for question type")
)

// Outcome is the graded result of one answer. IsCorrect is nil when the
// question needs manual grading.
type Outcome struct {
	IsCorrect    *bool `json:"is_correct"`
	EarnedPoints int   `json:"earned_points"`
}

// Strategy grades one question type. Implementations must be deterministic.
type Strategy interface {
	Grade(q model.QuestionDefinition, answer json.RawMessage) (Outcome, error)
}

type Option func(*options)

type options struct {
	partialCredit bool
}

// WithPartialCredit enables proportional credit for multiple choice.
func WithPartialCredit(b bool) Option { return func(o *options) { o.partialCredit = b } }

// Engine routes answers to the strategy for their question type.
type Engine struct {
	strategies map[model.QuestionType]Strategy
}

// New installs the built-in strategies.
func New(opts ...Option) *Engine {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return &Engine{
		strategies: map[model.QuestionType]Strategy{
			model.QuestionSingleChoice:   singleChoiceStrategy{},
			model.QuestionTrueFalse:      trueFalseStrategy{},
			model.QuestionMultipleChoice: multipleChoiceStrategy{partial: o.partialCredit},
			model.QuestionShortAnswer:    shortAnswerStrategy{},
			model.QuestionFillBlank:      fillBlankStrategy{},
			model.QuestionEssay:          essayStrategy{},
		},
	}
}

// Grade scores answer against q. Blank answers are incorrect and earn
// nothing. On error the returned outcome is still a valid zero-point grade.
func (e *Engine) Grade(q model.QuestionDefinition, answer json.RawMessage) (Outcome, error) {
	s, ok := e.strategies[q.Type]
	if !ok {
		return incorrect(), fmt.Errorf("%w: %s", ErrUnsupportedType, q.Type)
	}
	if q.Type != model.QuestionEssay && Blank(answer) {
		return incorrect(), nil
	}
	out, err := s.Grade(q, answer)
	if err != nil {
		return incorrect(), err
	}
	return out, nil
}

// Blank reports whether a raw answer carries nothing gradable.
func Blank(answer json.RawMessage) bool {
	a := bytes.TrimSpace(answer)
	switch string(a) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}

func incorrect() Outcome {
	f := false
	return Outcome{IsCorrect: &f}
}

func verdict(ok bool, points int) Outcome {
	if !ok {
		return incorrect()
	}
	t := true
	return Outcome{IsCorrect: &t, EarnedPoints: points}
}
