// Package integrity runs the locked-down exam session: sensor signals and
// clock ticks are serialized through one goroutine per session that owns
// all state transitions.
package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-integrity/internal/grading"
	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/result"
	"github.com/stemsi/exstem-integrity/internal/scoring"
)

var (
	ErrSessionClosed       = errors.New("session is closed")
	ErrNotActive           = errors.New("session is not active")
	ErrInvalidTransition   = errors.New("invalid session transition")
	ErrAnswerRequired      = errors.New("current question requires an answer")
	ErrBacktrackNotAllowed = errors.New("backtracking is disabled for this assessment")
	ErrQuestionNotCurrent  = errors.New("only the current question can be answered")
	ErrUnknownQuestion     = errors.New("question is not part of this session")
	ErrNoMoreQuestions     = errors.New("no more questions in that direction")
	ErrNothingToRetry      = errors.New("no failed submission to retry")
	ErrMachineStopped      = errors.New("session machine stopped")
	ErrInternal            = errors.New("session failed internally and was terminated")
)

// Submission is the frozen content of a finished session. It is built
// once, on the terminal transition, and redelivered unchanged on retry.
type Submission struct {
	SessionID     uuid.UUID             `json:"session_id"`
	AssessmentID  uuid.UUID             `json:"assessment_id"`
	UserID        string                `json:"user_id"`
	AttemptNumber int                   `json:"attempt_number"`
	Outcome       model.SessionState    `json:"outcome"`
	Answers       []result.Answer       `json:"answers"`
	Events        []model.SecurityEvent `json:"events"`
	ForcedReview  bool                  `json:"forced_review"`
	StartedAt     time.Time             `json:"started_at"`
	EndedAt       time.Time             `json:"ended_at"`
}

// Key returns the attempt key the submission is idempotent on.
func (s Submission) Key() model.AttemptKey {
	return model.AttemptKey{AssessmentID: s.AssessmentID, UserID: s.UserID, AttemptNumber: s.AttemptNumber}
}

// Finalizer grades and delivers a submission. It runs off the session
// goroutine. A non-nil result with an error means the result was graded
// but delivery was not confirmed.
type Finalizer interface {
	Finalize(ctx context.Context, sub Submission) (*model.Result, error)
}

// Config describes one session.
type Config struct {
	SessionID      uuid.UUID
	AssessmentID   uuid.UUID
	UserID         string
	AttemptNumber  int
	Questions      []model.QuestionView
	Security       model.SecuritySettings
	AllowBacktrack bool
	// Duration is the time limit; zero means untimed.
	Duration     time.Duration
	TimeWarnings []time.Duration
	Escalation   EscalationPolicy
	BurstWindow  time.Duration
	Clock        Clock
	Observer     Observer
	Finalizer    Finalizer
	// Restore carries the progress of an attempt whose machine was lost.
	Restore *Restore
}

// Restore is the persisted progress of an interrupted attempt. The
// restored session waits in Instructions for a new lockdown, and its
// clock keeps counting from StartedAt.
type Restore struct {
	StartedAt time.Time
	Answers   map[uuid.UUID]json.RawMessage
	Events    []model.SecurityEvent
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	SessionID            uuid.UUID                  `json:"session_id"`
	AssessmentID         uuid.UUID                  `json:"assessment_id"`
	UserID               string                     `json:"user_id"`
	AttemptNumber        int                        `json:"attempt_number"`
	State                model.SessionState         `json:"state"`
	CurrentQuestionIndex int                        `json:"current_question_index"`
	Answers              map[string]json.RawMessage `json:"answers"`
	Answered             int                        `json:"answered"`
	Violations           []model.SecurityEvent      `json:"violations"`
	Cheating             model.CheatingAssessment   `json:"cheating"`
	StartedAt            *time.Time                 `json:"started_at,omitempty"`
	DeadlineAt           *time.Time                 `json:"deadline_at,omitempty"`
	EndedAt              *time.Time                 `json:"ended_at,omitempty"`
	RemainingSeconds     int                        `json:"remaining_seconds"`
	Sync                 model.SyncStatus           `json:"sync"`
	PendingSync          bool                       `json:"pending_sync"`
	ForcedReview         bool                       `json:"forced_review"`
	Restored             bool                       `json:"restored"`
	Result               *model.ResultSummary       `json:"result,omitempty"`
}

const inboxSize = 64

// Machine is the state machine for one exam session. All fields below the
// channel block are owned by the run goroutine.
type Machine struct {
	cfg    Config
	log    zerolog.Logger
	clock  Clock
	notify Observer

	inbox    chan func()
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	state        model.SessionState
	index        int
	positions    map[uuid.UUID]int
	answers      map[uuid.UUID]json.RawMessage
	spent        map[uuid.UUID]time.Duration
	enteredAt    time.Time
	events       EventLog
	risk         scoring.Accumulator
	detector     *Detector
	lockdown     *LockdownContext
	sclock       *SessionClock
	startedAt    time.Time
	endedAt      time.Time
	forcedReview bool
	restored     bool
	sync         model.SyncStatus
	submission   *Submission
	result       *model.Result
}

// NewMachine creates a session in Instructions and starts its goroutine.
func NewMachine(cfg Config, log zerolog.Logger) (*Machine, error) {
	if len(cfg.Questions) == 0 {
		return nil, errors.New("session has no questions")
	}
	if cfg.Finalizer == nil {
		return nil, errors.New("session has no finalizer")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.BurstWindow == 0 {
		cfg.BurstWindow = scoring.DefaultBurstWindow
	}
	notify := cfg.Observer
	if notify == nil {
		notify = Observers(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:    cfg,
		clock:  cfg.Clock,
		notify: notify,
		log: log.With().
			Str("component", "session").
			Str("session_id", cfg.SessionID.String()).
			Str("assessment_id", cfg.AssessmentID.String()).
			Str("user_id", cfg.UserID).
			Logger(),
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		state:     model.StateNotStarted,
		positions: make(map[uuid.UUID]int, len(cfg.Questions)),
		answers:   make(map[uuid.UUID]json.RawMessage),
		spent:     make(map[uuid.UUID]time.Duration),
		detector:  NewDetector(cfg.Security, cfg.BurstWindow),
		sync:      model.SyncNone,
	}
	for i, q := range cfg.Questions {
		m.positions[q.ID] = i
	}
	if cfg.Restore != nil {
		m.restore(*cfg.Restore)
	}

	m.state = model.StateInstructions
	m.emit(Notice{Type: NoticeState})
	expired := m.restored && m.cfg.Duration > 0 && !m.clock.Now().Before(m.deadline())

	go m.run()
	if expired {
		m.post(m.expireRestored)
	}
	return m, nil
}

func (m *Machine) ID() uuid.UUID { return m.cfg.SessionID }

// Done is closed once the machine goroutine has exited.
func (m *Machine) Done() <-chan struct{} { return m.stopped }

// Close stops the goroutine. A session that is still Active loses its
// lockdown but keeps its state; nothing is submitted.
func (m *Machine) Close() {
	m.stopOnce.Do(func() { close(m.done) })
	<-m.stopped
	m.cancel()
}

func (m *Machine) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.done:
			m.teardown()
			return
		}
	}
}

// call runs fn on the session goroutine and waits for its result.
func (m *Machine) call(fn func() error) error {
	reply := make(chan error, 1)
	job := func() { reply <- m.guard(fn) }
	select {
	case m.inbox <- job:
	case <-m.done:
		return ErrMachineStopped
	}
	select {
	case err := <-reply:
		return err
	case <-m.stopped:
		return ErrMachineStopped
	}
}

// post enqueues fn without waiting. It is dropped once the machine stops.
func (m *Machine) post(fn func()) {
	select {
	case m.inbox <- func() { _ = m.guard(func() error { fn(); return nil }) }:
	case <-m.done:
	}
}

// guard converts a panic inside a handler into a forced termination with review.
func (m *Machine) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("Session handler panicked")
			m.forceTerminate(fmt.Sprintf("internal error: %v", r))
			err = ErrInternal
		}
	}()
	return fn()
}

// ─── Operations ─────────────────────────────────────────────────────

// Begin enters lockdown and starts the clock. If lockdown cannot be
// satisfied the session stays in Instructions and lc is released.
func (m *Machine) Begin(lc *LockdownContext) error {
	return m.call(func() error {
		if m.state.Terminal() {
			return ErrSessionClosed
		}
		if m.state != model.StateInstructions {
			m.forceTerminate(fmt.Sprintf("begin while %s", m.state))
			return fmt.Errorf("%w: begin while %s", ErrInvalidTransition, m.state)
		}
		if err := lc.check(m.cfg.Security.Proctored()); err != nil {
			if rerr := lc.Release(); rerr != nil {
				m.log.Warn().Err(rerr).Msg("Releasing partial lockdown failed")
			}
			m.log.Info().Err(err).Msg("Lockdown unavailable, staying in instructions")
			return err
		}

		now := m.clock.Now()
		m.lockdown = lc
		m.detector.attach(lc.Denier)
		if m.startedAt.IsZero() {
			m.startedAt = now
		}
		m.enteredAt = now
		m.state = model.StateActive

		if m.cfg.Duration > 0 {
			m.sclock = NewSessionClock(m.clock, m.deadline(), m.cfg.TimeWarnings)
			m.sclock.Start(func(t time.Time) { m.post(func() { m.tick(t) }) })
		}

		m.log.Info().Bool("restored", m.restored).Msg("Session started")
		m.emit(Notice{Type: NoticeState})
		if m.restored {
			m.tick(now)
		}
		return nil
	})
}

// Resume rebinds an Active session to a new lockdown context after the
// agent reconnects. The previous context is released.
func (m *Machine) Resume(lc *LockdownContext) error {
	return m.call(func() error {
		if m.state.Terminal() {
			return ErrSessionClosed
		}
		if m.state != model.StateActive {
			return ErrNotActive
		}
		if err := lc.check(m.cfg.Security.Proctored()); err != nil {
			_ = lc.Release()
			return err
		}
		if err := m.lockdown.Release(); err != nil {
			m.log.Debug().Err(err).Msg("Releasing stale lockdown failed")
		}
		m.lockdown = lc
		m.detector.attach(lc.Denier)
		m.log.Info().Msg("Session resumed")
		m.emit(Notice{Type: NoticeState})
		return nil
	})
}

// Signal feeds a raw environment observation to the detector. Signals
// that arrive outside Active are dropped.
func (m *Machine) Signal(sig Signal) error {
	return m.call(func() error {
		m.signal(sig)
		return nil
	})
}

func (m *Machine) signal(sig Signal) {
	if m.state != model.StateActive {
		m.log.Debug().
			Str("state", string(m.state)).
			Str("capability", string(sig.Capability)).
			Msg("Dropping signal outside active session")
		return
	}

	now := m.clock.Now()

	if sig.Capability == CapCapture {
		if sig.Type == "revoked" && m.cfg.Security.Proctored() {
			m.appendEvent(model.SecurityEvent{
				Kind:          model.EventCaptureRevoked,
				Timestamp:     now,
				QuestionIndex: m.index,
				Detail:        "capture device revoked",
			})
			m.terminate(model.StateTerminated, "capture device revoked")
		}
		return
	}

	ev, ok := m.detector.Detect(sig, now, m.index, m.events.LastViolationAt())
	if !ok {
		return
	}
	m.appendEvent(ev)

	if m.cfg.Escalation.Escalates(&m.events, ev.Kind) {
		m.appendEvent(model.SecurityEvent{
			Kind:          model.EventEscalationTerminated,
			Timestamp:     now,
			QuestionIndex: m.index,
			Detail:        fmt.Sprintf("%d violations", m.events.Violations()),
		})
		m.terminate(model.StateTerminated, "violation threshold reached")
		return
	}

	m.emit(Notice{
		Type:     NoticeWarn,
		State:    model.StateWarning,
		Event:    &ev,
		Severity: model.Severity(ev.SeverityWeight),
		Message:  m.warnMessage(),
	})
}

// RecordAnswer stores an answer; the last write wins.
func (m *Machine) RecordAnswer(questionID uuid.UUID, value json.RawMessage) error {
	return m.call(func() error {
		if err := m.requireActive(); err != nil {
			return err
		}
		pos, ok := m.positions[questionID]
		if !ok {
			return ErrUnknownQuestion
		}
		if !m.cfg.AllowBacktrack && pos != m.index {
			if pos < m.index {
				return ErrBacktrackNotAllowed
			}
			return ErrQuestionNotCurrent
		}

		stored := make(json.RawMessage, len(value))
		copy(stored, value)
		m.answers[questionID] = stored

		qid := questionID
		m.emit(Notice{Type: NoticeAnswer, QuestionID: &qid, Answer: stored})
		return nil
	})
}

// Advance moves to the next question.
func (m *Machine) Advance() error {
	return m.call(func() error {
		if err := m.requireActive(); err != nil {
			return err
		}
		current := m.cfg.Questions[m.index]
		if current.Required && grading.Blank(m.answers[current.ID]) {
			return ErrAnswerRequired
		}
		if m.index >= len(m.cfg.Questions)-1 {
			return ErrNoMoreQuestions
		}
		m.moveTo(m.index + 1)
		return nil
	})
}

// Back moves to the previous question when backtracking is allowed.
func (m *Machine) Back() error {
	return m.call(func() error {
		if err := m.requireActive(); err != nil {
			return err
		}
		if !m.cfg.AllowBacktrack {
			return ErrBacktrackNotAllowed
		}
		if m.index == 0 {
			return ErrNoMoreQuestions
		}
		m.moveTo(m.index - 1)
		return nil
	})
}

// Submit finishes the session. Submitting a finished session is a no-op.
func (m *Machine) Submit() error {
	return m.call(func() error {
		if m.state.Terminal() {
			return nil
		}
		if m.state != model.StateActive {
			return ErrNotActive
		}
		m.terminate(model.StateSubmitted, "submitted by user")
		return nil
	})
}

// RetrySync redelivers the frozen submission after delivery failed.
func (m *Machine) RetrySync() error {
	return m.call(func() error {
		if m.submission == nil || m.sync != model.SyncFailed {
			return ErrNothingToRetry
		}
		m.log.Info().Msg("Retrying submission delivery")
		m.launchFinalize()
		return nil
	})
}

// Snapshot returns a copy of the current session.
func (m *Machine) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := m.call(func() error {
		s = m.snapshot()
		return nil
	})
	return s, err
}

// ─── Internals (session goroutine only) ─────────────────────────────

// restore loads an interrupted attempt before the goroutine starts. The
// taker resumes at the furthest answered question.
func (m *Machine) restore(r Restore) {
	m.restored = true
	m.startedAt = r.StartedAt
	for qid, v := range r.Answers {
		pos, ok := m.positions[qid]
		if !ok {
			m.log.Warn().Str("question_id", qid.String()).Msg("Dropping restored answer to unknown question")
			continue
		}
		m.answers[qid] = v
		if pos > m.index {
			m.index = pos
		}
	}
	for _, ev := range r.Events {
		if err := m.events.append(ev); err == nil {
			m.risk.Add(ev)
		}
	}
	m.log.Info().
		Int("answers", len(m.answers)).
		Int("violations", m.events.Violations()).
		Msg("Session restored")
}

// expireRestored ends a restored attempt whose time ran out while no
// machine was hosting it.
func (m *Machine) expireRestored() {
	if m.state.Terminal() {
		return
	}
	m.appendEvent(model.SecurityEvent{
		Kind:          model.EventAutoSubmitTimeout,
		Timestamp:     m.deadline(),
		QuestionIndex: m.index,
		Detail:        "time expired while disconnected",
	})
	m.terminate(model.StateTimedOut, "time expired")
}

func (m *Machine) deadline() time.Time {
	return m.startedAt.Add(m.cfg.Duration)
}

func (m *Machine) requireActive() error {
	if m.state.Terminal() {
		return ErrSessionClosed
	}
	if m.state != model.StateActive {
		return ErrNotActive
	}
	return nil
}

func (m *Machine) moveTo(i int) {
	now := m.clock.Now()
	m.chargeTime(now)
	m.index = i
	m.enteredAt = now
}

func (m *Machine) chargeTime(now time.Time) {
	if m.enteredAt.IsZero() {
		return
	}
	if d := now.Sub(m.enteredAt); d > 0 {
		m.spent[m.cfg.Questions[m.index].ID] += d
	}
	m.enteredAt = now
}

func (m *Machine) tick(t time.Time) {
	if m.state != model.StateActive || m.sclock == nil {
		return
	}
	if m.sclock.Expired(t) {
		m.appendEvent(model.SecurityEvent{
			Kind:          model.EventAutoSubmitTimeout,
			Timestamp:     t,
			QuestionIndex: m.index,
			Detail:        "auto-submitted due to time expiry",
		})
		m.terminate(model.StateTimedOut, "time expired")
		return
	}
	for _, w := range m.sclock.DueWarnings(t) {
		m.emit(Notice{
			Type:      NoticeTimeWarning,
			Remaining: int(w / time.Second),
			Message:   remainingMessage(w),
		})
	}
}

func (m *Machine) warnMessage() string {
	if m.cfg.Escalation.Total > 0 {
		return fmt.Sprintf("Pelanggaran %d dari %d terdeteksi", m.events.Violations(), m.cfg.Escalation.Total)
	}
	return fmt.Sprintf("Pelanggaran %d terdeteksi", m.events.Violations())
}

func remainingMessage(w time.Duration) string {
	if w < time.Minute {
		return fmt.Sprintf("Sisa waktu %d detik", int(w/time.Second))
	}
	return fmt.Sprintf("Sisa waktu %d menit", int(w/time.Minute))
}

func (m *Machine) appendEvent(ev model.SecurityEvent) {
	if err := m.events.append(ev); err != nil {
		m.log.Debug().Str("kind", string(ev.Kind)).Msg("Dropping event on sealed log")
		return
	}
	m.risk.Add(ev)
	if ev.Kind.Violation() {
		m.log.Info().
			Str("kind", string(ev.Kind)).
			Int("weight", ev.SeverityWeight).
			Int("violations", m.events.Violations()).
			Msg("Violation detected")
	}
	m.emit(Notice{Type: NoticeViolation, Event: &ev, Severity: model.Severity(ev.SeverityWeight)})
}

// terminate performs the single terminal transition: it stops the clock,
// detaches sensors, releases lockdown, seals the log, freezes the
// submission and hands it to the finalizer.
func (m *Machine) terminate(outcome model.SessionState, reason string) {
	if m.state.Terminal() {
		return
	}
	now := m.clock.Now()
	m.chargeTime(now)
	m.state = outcome
	m.endedAt = now

	if m.sclock != nil {
		m.sclock.Stop()
	}
	m.detector.detach()
	if err := m.lockdown.Release(); err != nil {
		m.log.Warn().Err(err).Msg("Lockdown release failed")
	}
	m.events.seal()

	m.submission = m.freeze()

	m.log.Info().
		Str("state", string(outcome)).
		Str("reason", reason).
		Int("violations", m.events.Violations()).
		Msg("Session ended")
	m.emit(Notice{Type: NoticeState, Message: reason})

	m.launchFinalize()
}

// forceTerminate ends a session that hit an invalid transition or an
// internal fault. The result is always flagged for review.
func (m *Machine) forceTerminate(reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("Forced termination failed")
		}
	}()
	if m.state.Terminal() {
		return
	}
	m.forcedReview = true
	m.log.Warn().Str("reason", reason).Msg("Forcing session termination")
	m.terminate(model.StateTerminated, reason)
}

func (m *Machine) freeze() *Submission {
	answers := make([]result.Answer, 0, len(m.answers))
	for _, q := range m.cfg.Questions {
		v, ok := m.answers[q.ID]
		if !ok {
			continue
		}
		answers = append(answers, result.Answer{
			QuestionID: q.ID,
			Value:      v,
			TimeSpent:  int(m.spent[q.ID] / time.Second),
		})
	}
	started := m.startedAt
	if started.IsZero() {
		started = m.endedAt
	}
	return &Submission{
		SessionID:     m.cfg.SessionID,
		AssessmentID:  m.cfg.AssessmentID,
		UserID:        m.cfg.UserID,
		AttemptNumber: m.cfg.AttemptNumber,
		Outcome:       m.state,
		Answers:       answers,
		Events:        m.events.Events(),
		ForcedReview:  m.forcedReview,
		StartedAt:     started,
		EndedAt:       m.endedAt,
	}
}

func (m *Machine) launchFinalize() {
	sub := *m.submission
	m.sync = model.SyncPending
	m.emit(Notice{Type: NoticeSync})

	go func() {
		res, err := m.cfg.Finalizer.Finalize(m.ctx, sub)
		m.post(func() { m.finalized(res, err) })
	}()
}

func (m *Machine) finalized(res *model.Result, err error) {
	if res != nil {
		m.result = res
	}
	n := Notice{Type: NoticeSync}
	if err != nil {
		m.sync = model.SyncFailed
		m.log.Error().Err(err).Msg("Submission not confirmed, kept for retry")
		n.Message = "Jawaban tersimpan namun belum terkonfirmasi server"
	} else {
		m.sync = model.SyncSynced
	}
	m.emit(n)
}

// teardown runs when the machine is closed without finishing.
func (m *Machine) teardown() {
	if m.sclock != nil {
		m.sclock.Stop()
	}
	m.detector.detach()
	if err := m.lockdown.Release(); err != nil {
		m.log.Debug().Err(err).Msg("Lockdown release on close failed")
	}
}

func (m *Machine) emit(n Notice) {
	n.SessionID = m.cfg.SessionID
	n.AssessmentID = m.cfg.AssessmentID
	n.UserID = m.cfg.UserID
	if n.State == "" {
		n.State = m.state
	}
	n.Cheating = scoring.Flag(m.risk.Assessment(), m.forcedReview)
	n.Violations = m.events.Violations()
	n.Answered = m.answered()
	if n.Type == NoticeSync {
		n.Sync = m.sync
		if m.result != nil {
			sum := m.result.Summary()
			n.Result = &sum
		}
	}
	n.Timestamp = m.clock.Now()
	m.notify.Notify(n)
}

func (m *Machine) answered() int {
	n := 0
	for _, v := range m.answers {
		if !grading.Blank(v) {
			n++
		}
	}
	return n
}

func (m *Machine) snapshot() Snapshot {
	s := Snapshot{
		SessionID:            m.cfg.SessionID,
		AssessmentID:         m.cfg.AssessmentID,
		UserID:               m.cfg.UserID,
		AttemptNumber:        m.cfg.AttemptNumber,
		State:                m.state,
		CurrentQuestionIndex: m.index,
		Answers:              make(map[string]json.RawMessage, len(m.answers)),
		Answered:             m.answered(),
		Violations:           m.events.Events(),
		Cheating:             scoring.Flag(m.risk.Assessment(), m.forcedReview),
		Sync:                 m.sync,
		PendingSync:          m.sync == model.SyncFailed || m.sync == model.SyncPending,
		ForcedReview:         m.forcedReview,
		Restored:             m.restored,
	}
	for id, v := range m.answers {
		s.Answers[id.String()] = v
	}
	if !m.startedAt.IsZero() {
		t := m.startedAt
		s.StartedAt = &t
	}
	if !m.endedAt.IsZero() {
		t := m.endedAt
		s.EndedAt = &t
	}
	if m.sclock != nil {
		d := m.sclock.Deadline()
		s.DeadlineAt = &d
		if m.state == model.StateActive {
			s.RemainingSeconds = int(m.sclock.Remaining(m.clock.Now()) / time.Second)
		}
	}
	if m.result != nil {
		sum := m.result.Summary()
		s.Result = &sum
	}
	return s
}
