package model

import (
	"github.com/google/uuid"
)

type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "SINGLE_CHOICE"
	QuestionMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTrueFalse      QuestionType = "TRUE_FALSE"
	QuestionShortAnswer    QuestionType = "SHORT_ANSWER"
	QuestionFillBlank      QuestionType = "FILL_BLANK"
	QuestionEssay          QuestionType = "ESSAY"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionSingleChoice, QuestionMultipleChoice, QuestionTrueFalse,
		QuestionShortAnswer, QuestionFillBlank, QuestionEssay:
		return true
	}
	return false
}

// Option is a selectable choice, including whether it is correct.
type Option struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// QuestionDefinition is the full question as authored, joined with the
// per-assessment points, order and required flag. It carries the answer key
// and must never reach a taker.
type QuestionDefinition struct {
	ID              uuid.UUID    `json:"id"`
	Type            QuestionType `json:"type"`
	Text            string       `json:"text"`
	Options         []Option     `json:"options,omitempty"`
	AcceptedAnswers []string     `json:"accepted_answers,omitempty"`
	// Blanks holds one accepted-answer list per blank, in position order.
	Blanks   [][]string `json:"blanks,omitempty"`
	Points   int        `json:"points"`
	Required bool       `json:"required"`
	Order    int        `json:"order"`
}

// OptionView is an Option without its correctness flag.
type OptionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuestionView is the redacted question sent to takers.
type QuestionView struct {
	ID         uuid.UUID    `json:"id"`
	Type       QuestionType `json:"type"`
	Text       string       `json:"text"`
	Options    []OptionView `json:"options,omitempty"`
	BlankCount int          `json:"blank_count,omitempty"`
	Points     int          `json:"points"`
	Required   bool         `json:"required"`
	Order      int          `json:"order"`
}

// View strips everything that would reveal the answer.
func (q QuestionDefinition) View() QuestionView {
	v := QuestionView{
		ID:       q.ID,
		Type:     q.Type,
		Text:     q.Text,
		Points:   q.Points,
		Required: q.Required,
		Order:    q.Order,
	}
	if len(q.Options) > 0 {
		v.Options = make([]OptionView, len(q.Options))
		for i, o := range q.Options {
			v.Options[i] = OptionView{ID: o.ID, Text: o.Text}
		}
	}
	if q.Type == QuestionFillBlank {
		v.BlankCount = len(q.Blanks)
		if v.BlankCount == 0 {
			v.BlankCount = 1
		}
	}
	return v
}

// AnswerKey is the grading-time view of an assessment's questions.
type AnswerKey struct {
	AssessmentID uuid.UUID            `json:"assessment_id"`
	Questions    []QuestionDefinition `json:"questions"`
}

// Lookup indexes the key by question id.
func (k *AnswerKey) Lookup() map[uuid.UUID]QuestionDefinition {
	m := make(map[uuid.UUID]QuestionDefinition, len(k.Questions))
	for _, q := range k.Questions {
		m[q.ID] = q
	}
	return m
}

// TotalPoints sums the points of every question, answered or not.
func (k *AnswerKey) TotalPoints() int {
	total := 0
	for _, q := range k.Questions {
		total += q.Points
	}
	return total
}
