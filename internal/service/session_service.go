package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/integrity"
	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/result"
	"github.com/stemsi/exstem-integrity/internal/transport"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists session rows.
type SessionStore interface {
	Create(ctx context.Context, s *model.ExamSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	LatestOpen(ctx context.Context, assessmentID uuid.UUID, userID string) (*model.ExamSession, error)
	NextAttemptNumber(ctx context.Context, assessmentID uuid.UUID, userID string) (int, error)
	MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) error
	ListAnswers(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]json.RawMessage, error)
}

// SessionEventStore reads back the persisted security events of a session.
type SessionEventStore interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.SecurityEvent, error)
}

// ResultSubmitter delivers assembled results.
type ResultSubmitter interface {
	Submit(ctx context.Context, res *model.Result) (*model.Result, error)
}

// relay forwards notices to whichever connection currently owns the session.
type relay struct {
	mu     sync.RWMutex
	target integrity.Observer
	gen    uint64
}

func (r *relay) Notify(n integrity.Notice) {
	r.mu.RLock()
	t := r.target
	r.mu.RUnlock()
	if t != nil {
		t.Notify(n)
	}
}

// set installs o and returns a token that clear must present.
func (r *relay) set(o integrity.Observer) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.target = o
	return r.gen
}

// clear removes the target only if no newer connection replaced it.
func (r *relay) clear(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return false
	}
	r.target = nil
	return true
}

// LiveSession is a running machine plus what the transport needs to know about it.
type LiveSession struct {
	*integrity.Machine
	AssessmentID uuid.UUID
	UserID       string
	Payload      *model.AssessmentPayload

	relay *relay
}

// Attachment is one connection's hold on a live session.
type Attachment struct {
	*LiveSession
	// Resumed is true when Open reattached to an already running machine.
	Resumed bool

	gen uint64
}

// SessionService hosts one state machine per open attempt and finalizes
// them into results.
type SessionService struct {
	assessments *AssessmentService
	sessions    SessionStore
	events      SessionEventStore
	assembler   *result.Assembler
	submitter   ResultSubmitter
	publisher   integrity.Observer
	heartbeat   *transport.Heartbeat
	cfg         config.IntegrityConfig
	clock       integrity.Clock
	log         zerolog.Logger

	mu        sync.Mutex
	live      map[uuid.UUID]*LiveSession
	byAttempt map[string]uuid.UUID
}

// NewSessionService creates a new SessionService. heartbeat and publisher may be nil.
func NewSessionService(
	assessments *AssessmentService,
	sessions SessionStore,
	events SessionEventStore,
	assembler *result.Assembler,
	submitter ResultSubmitter,
	publisher integrity.Observer,
	heartbeat *transport.Heartbeat,
	cfg config.IntegrityConfig,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		assessments: assessments,
		sessions:    sessions,
		events:      events,
		assembler:   assembler,
		submitter:   submitter,
		publisher:   publisher,
		heartbeat:   heartbeat,
		cfg:         cfg,
		clock:       integrity.SystemClock(),
		log:         log.With().Str("component", "session_service").Logger(),
		live:        make(map[uuid.UUID]*LiveSession),
		byAttempt:   make(map[string]uuid.UUID),
	}
}

func attemptSlot(assessmentID uuid.UUID, userID string) string {
	return assessmentID.String() + ":" + userID
}

// Open validates access and returns the taker's running session, creating
// one in Instructions if none is live. An attempt left Active without a
// machine is restored from its stored answers and events. observer
// receives the session's notices until Detach or until another connection
// opens the same attempt.
func (s *SessionService) Open(ctx context.Context, assessmentID uuid.UUID, taker Taker, req model.TakeRequest, observer integrity.Observer) (*Attachment, error) {
	s.mu.Lock()
	if id, ok := s.byAttempt[attemptSlot(assessmentID, taker.UserID)]; ok {
		if ls := s.live[id]; ls != nil {
			s.mu.Unlock()
			return &Attachment{LiveSession: ls, Resumed: true, gen: ls.relay.set(observer)}, nil
		}
	}
	s.mu.Unlock()

	a, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	take, err := s.assessments.take(ctx, a, taker, req)
	if err != nil {
		return nil, err
	}

	row, err := s.claimAttempt(ctx, assessmentID, taker.UserID)
	if err != nil {
		return nil, err
	}
	restore, err := s.loadRestore(ctx, row)
	if err != nil {
		return nil, err
	}

	ls := &LiveSession{
		AssessmentID: assessmentID,
		UserID:       taker.UserID,
		Payload:      take.Payload,
		relay:        &relay{},
	}
	gen := ls.relay.set(observer)

	observers := integrity.Observers{ls.relay, integrity.ObserverFunc(s.watch)}
	if s.publisher != nil {
		observers = append(observers, s.publisher)
	}

	m, err := integrity.NewMachine(integrity.Config{
		SessionID:      row.ID,
		AssessmentID:   assessmentID,
		UserID:         taker.UserID,
		AttemptNumber:  row.AttemptNumber,
		Questions:      take.Payload.Questions,
		Security:       a.Settings.Security,
		AllowBacktrack: a.Settings.Questions.AllowBacktrack,
		Duration:       a.Duration(),
		TimeWarnings:   s.cfg.TimeWarnings,
		Escalation:     s.escalationFor(a.Settings.Security),
		BurstWindow:    s.cfg.BurstWindow,
		Clock:          s.clock,
		Observer:       observers,
		Finalizer:      s,
		Restore:        restore,
	}, s.log)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	ls.Machine = m

	s.mu.Lock()
	s.live[row.ID] = ls
	s.byAttempt[attemptSlot(assessmentID, taker.UserID)] = row.ID
	s.mu.Unlock()

	s.log.Info().
		Str("session_id", row.ID.String()).
		Str("assessment_id", assessmentID.String()).
		Str("user_id", taker.UserID).
		Int("attempt", row.AttemptNumber).
		Bool("restored", restore != nil).
		Msg("Session opened")
	return &Attachment{LiveSession: ls, gen: gen}, nil
}

// claimAttempt reuses the latest unfinished session row or creates the next attempt.
func (s *SessionService) claimAttempt(ctx context.Context, assessmentID uuid.UUID, userID string) (*model.ExamSession, error) {
	open, err := s.sessions.LatestOpen(ctx, assessmentID, userID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	if open != nil && !open.State.Terminal() {
		return open, nil
	}

	// A concurrent open may take the same number; retry once with a fresh one.
	for i := 0; i < 2; i++ {
		n, err := s.sessions.NextAttemptNumber(ctx, assessmentID, userID)
		if err != nil {
			return nil, fmt.Errorf("next attempt number: %w", err)
		}
		row := &model.ExamSession{
			AssessmentID:  assessmentID,
			UserID:        userID,
			AttemptNumber: n,
			State:         model.StateInstructions,
		}
		err = s.sessions.Create(ctx, row)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	return nil, errors.New("create session: attempt number contention")
}

// loadRestore rebuilds the progress of a started attempt whose machine is
// gone. It returns nil for attempts that never started.
func (s *SessionService) loadRestore(ctx context.Context, row *model.ExamSession) (*integrity.Restore, error) {
	if row.State != model.StateActive || row.StartedAt == nil {
		return nil, nil
	}
	answers, err := s.sessions.ListAnswers(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("load saved answers: %w", err)
	}
	events, err := s.events.ListBySession(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("load security events: %w", err)
	}
	s.log.Info().
		Str("session_id", row.ID.String()).
		Int("answers", len(answers)).
		Int("events", len(events)).
		Msg("Restoring interrupted session")
	return &integrity.Restore{StartedAt: *row.StartedAt, Answers: answers, Events: events}, nil
}

func (s *SessionService) escalationFor(sec model.SecuritySettings) integrity.EscalationPolicy {
	p := integrity.EscalationPolicy{Total: s.cfg.EscalationThreshold}
	if sec.Proctored() {
		p.Total = s.cfg.ProctoredEscalationThreshold
	}
	if len(s.cfg.KindThresholds) > 0 {
		p.PerKind = make(map[model.EventKind]int, len(s.cfg.KindThresholds))
		for k, n := range s.cfg.KindThresholds {
			p.PerKind[model.EventKind(k)] = n
		}
	}
	return p
}

// Begin enters lockdown and records the start on the session row.
func (s *SessionService) Begin(ctx context.Context, ls *LiveSession, lc *integrity.LockdownContext) error {
	if err := ls.Begin(lc); err != nil {
		return err
	}
	if err := s.sessions.MarkStarted(ctx, ls.ID(), time.Now()); err != nil {
		s.log.Warn().Err(err).Str("session_id", ls.ID().String()).Msg("Failed to mark session started")
	}
	return nil
}

// Detach disconnects the current connection from a session. A session
// that never started is closed; an Active one keeps running so the taker
// can reconnect before the clock runs out.
func (s *SessionService) Detach(at *Attachment) {
	if !at.relay.clear(at.gen) {
		return
	}

	ls := at.LiveSession
	snap, err := ls.Snapshot()
	if err != nil {
		return
	}
	if snap.State == model.StateInstructions {
		s.release(ls.ID())
	}
}

// Beat refreshes the heartbeat of a live session.
func (s *SessionService) Beat(ctx context.Context, ls *LiveSession) {
	if s.heartbeat == nil {
		return
	}
	snap, err := ls.Snapshot()
	if err != nil {
		return
	}
	if err := s.heartbeat.Beat(ctx, ls.AssessmentID, ls.ID(), ls.UserID, snap.State, time.Now()); err != nil {
		s.log.Debug().Err(err).Msg("Heartbeat failed")
	}
}

// Get returns a live session.
func (s *SessionService) Get(id uuid.UUID) (*LiveSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.live[id]
	return ls, ok
}

// LiveCount returns how many session machines are running.
func (s *SessionService) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// SessionState is either a live snapshot or the stored row of a finished session.
type SessionState struct {
	Live      *integrity.Snapshot `json:"live,omitempty"`
	Session   *model.ExamSession  `json:"session,omitempty"`
	Resumable bool                `json:"resumable"`
}

// State returns what a reloading client needs to restore its view.
func (s *SessionService) State(ctx context.Context, id uuid.UUID) (*SessionState, error) {
	if ls, ok := s.Get(id); ok {
		snap, err := ls.Snapshot()
		if err == nil {
			return &SessionState{Live: &snap, Resumable: !snap.State.Terminal()}, nil
		}
	}

	row, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &SessionState{Session: row}, nil
}

// watch runs on the session goroutine; anything that waits on the
// machine must leave it.
func (s *SessionService) watch(n integrity.Notice) {
	if n.Type == integrity.NoticeSync && n.Sync == model.SyncSynced {
		go s.release(n.SessionID)
	}
	if n.Type == integrity.NoticeState && n.State.Terminal() && s.heartbeat != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.heartbeat.End(ctx, n.AssessmentID, n.SessionID)
		}()
	}
}

func (s *SessionService) release(id uuid.UUID) {
	s.mu.Lock()
	ls, ok := s.live[id]
	if ok {
		delete(s.live, id)
		slot := attemptSlot(ls.AssessmentID, ls.UserID)
		if s.byAttempt[slot] == id {
			delete(s.byAttempt, slot)
		}
	}
	s.mu.Unlock()

	if ok {
		ls.Close()
		s.log.Debug().Str("session_id", id.String()).Msg("Session released")
	}
}

// Finalize grades a frozen submission and hands it to the submitter.
func (s *SessionService) Finalize(ctx context.Context, sub integrity.Submission) (*model.Result, error) {
	a, err := s.assessments.GetByID(ctx, sub.AssessmentID)
	if err != nil {
		return nil, err
	}
	key, err := s.assessments.AnswerKey(ctx, sub.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("load answer key: %w", err)
	}

	sessionID := sub.SessionID
	res := s.assembler.Assemble(result.Input{
		Assessment:    a,
		Key:           key,
		SessionID:     &sessionID,
		UserID:        sub.UserID,
		AttemptNumber: sub.AttemptNumber,
		Status:        sub.Outcome,
		Answers:       sub.Answers,
		Events:        sub.Events,
		ForcedReview:  sub.ForcedReview,
		StartTime:     sub.StartedAt,
		EndTime:       sub.EndedAt,
		SubmittedAt:   time.Now(),
	})

	return s.submitter.Submit(ctx, res)
}

// Shutdown closes every live machine. Sessions still Active lose their
// lockdown without being submitted; the next Open restores them.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	all := make([]*LiveSession, 0, len(s.live))
	for _, ls := range s.live {
		all = append(all, ls)
	}
	s.live = make(map[uuid.UUID]*LiveSession)
	s.byAttempt = make(map[string]uuid.UUID)
	s.mu.Unlock()

	for _, ls := range all {
		ls.Close()
	}
	if len(all) > 0 {
		s.log.Info().Int("count", len(all)).Msg("Closed live sessions")
	}
}
