package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-integrity/internal/integrity"
	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/result"
	"github.com/stemsi/exstem-integrity/internal/scoring"
)

// ErrAttemptHosted rejects a direct submission for an attempt that is run
// by a session machine. Its result can only come from that session.
var ErrAttemptHosted = errors.New("attempt is hosted by an exam session")

// AttemptSessions finds the session row of an attempt.
type AttemptSessions interface {
	GetByAttempt(ctx context.Context, key model.AttemptKey) (*model.ExamSession, error)
}

// ResultStore persists results idempotently on the attempt key.
type ResultStore interface {
	Insert(ctx context.Context, res *model.Result) (bool, error)
	GetByAttempt(ctx context.Context, key model.AttemptKey) (*model.Result, error)
}

// SubmitOutcome reports whether the stored result was created by this call.
type SubmitOutcome struct {
	Result    *model.Result
	Duplicate bool
}

// SubmissionService grades direct HTTP submissions.
type SubmissionService struct {
	assessments *AssessmentService
	results     ResultStore
	sessions    AttemptSessions
	assembler   *result.Assembler
	publisher   integrity.Observer
	burstWindow time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewSubmissionService creates a new SubmissionService. publisher may be nil.
func NewSubmissionService(
	assessments *AssessmentService,
	results ResultStore,
	sessions AttemptSessions,
	assembler *result.Assembler,
	publisher integrity.Observer,
	burstWindow time.Duration,
	log zerolog.Logger,
) *SubmissionService {
	return &SubmissionService{
		assessments: assessments,
		results:     results,
		sessions:    sessions,
		assembler:   assembler,
		publisher:   publisher,
		burstWindow: burstWindow,
		log:         log.With().Str("component", "submission_service").Logger(),
		now:         time.Now,
	}
}

// Submit grades and stores one attempt. A second submission of the same
// attempt returns the stored result with Duplicate set and grades nothing.
// Attempts that have a session row are refused with ErrAttemptHosted until
// that session's own result is stored.
func (s *SubmissionService) Submit(ctx context.Context, assessmentID uuid.UUID, userID string, req *model.SubmitRequest) (*SubmitOutcome, error) {
	a, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	key := model.AttemptKey{AssessmentID: assessmentID, UserID: userID, AttemptNumber: req.SessionInfo.AttemptNumber}
	if existing, err := s.results.GetByAttempt(ctx, key); err == nil {
		return &SubmitOutcome{Result: existing, Duplicate: true}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing result: %w", err)
	}

	if _, err := s.sessions.GetByAttempt(ctx, key); err == nil {
		s.log.Warn().
			Str("assessment_id", assessmentID.String()).
			Str("user_id", userID).
			Int("attempt", key.AttemptNumber).
			Msg("Direct submission refused for session-hosted attempt")
		return nil, ErrAttemptHosted
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check attempt session: %w", err)
	}

	if _, err := s.assessments.CheckAvailable(ctx, a, userID); err != nil {
		return nil, err
	}

	answerKey, err := s.assessments.AnswerKey(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("load answer key: %w", err)
	}

	answers := make([]result.Answer, len(req.Answers))
	for i, ans := range req.Answers {
		answers[i] = result.Answer{QuestionID: ans.QuestionID, Value: ans.Answer, TimeSpent: ans.TimeSpent}
	}

	// Client weights are never trusted.
	events := make([]model.SecurityEvent, len(req.SecurityEvents))
	for i, ev := range req.SecurityEvents {
		events[i] = model.SecurityEvent{Kind: ev.Kind, Timestamp: ev.Timestamp, QuestionIndex: ev.QuestionIndex}
	}
	events = scoring.Reweigh(events, s.burstWindow)

	res := s.assembler.Assemble(result.Input{
		Assessment:    a,
		Key:           answerKey,
		SessionID:     req.SessionInfo.SessionID,
		UserID:        userID,
		AttemptNumber: req.SessionInfo.AttemptNumber,
		Status:        model.StateSubmitted,
		Answers:       answers,
		Events:        events,
		StartTime:     req.SessionInfo.StartTime,
		EndTime:       req.SessionInfo.EndTime,
		SubmittedAt:   s.now(),
	})

	inserted, err := s.results.Insert(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}
	if !inserted {
		// Lost a race with a concurrent submission of the same attempt.
		existing, err := s.results.GetByAttempt(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load concurrent result: %w", err)
		}
		return &SubmitOutcome{Result: existing, Duplicate: true}, nil
	}

	s.log.Info().
		Str("assessment_id", assessmentID.String()).
		Str("user_id", userID).
		Int("attempt", key.AttemptNumber).
		Int("percentage", res.Score.Percentage).
		Int("cheating_score", res.CheatingScore).
		Msg("Submission graded")

	if s.publisher != nil {
		sum := res.Summary()
		var sessionID uuid.UUID
		if res.SessionInfo.SessionID != nil {
			sessionID = *res.SessionInfo.SessionID
		}
		s.publisher.Notify(integrity.Notice{
			Type:         integrity.NoticeState,
			SessionID:    sessionID,
			AssessmentID: assessmentID,
			UserID:       userID,
			State:        model.StateSubmitted,
			Cheating:     res.Cheating(),
			Answered:     len(res.Answers),
			Result:       &sum,
			Timestamp:    res.SubmittedAt,
		})
	}

	return &SubmitOutcome{Result: res}, nil
}
