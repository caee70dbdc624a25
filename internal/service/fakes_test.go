package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-integrity/internal/model"
)

var (
	q1 = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	q2 = uuid.MustParse("22222222-2222-4222-8222-222222222222")
)

type fakeAssessments struct {
	mu          sync.Mutex
	assessments map[uuid.UUID]*model.Assessment
	questions   map[uuid.UUID][]model.QuestionDefinition
	loads       int
}

func (f *fakeAssessments) GetByID(_ context.Context, id uuid.UUID) (*model.Assessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assessments[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAssessments) ListPublishedIDs(context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range f.assessments {
		if a.Status == model.AssessmentStatusPublished {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeAssessments) ListQuestions(_ context.Context, id uuid.UUID) ([]model.QuestionDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return append([]model.QuestionDefinition(nil), f.questions[id]...), nil
}

type fakeAttempts struct{ used int }

func (f *fakeAttempts) CountByUser(context.Context, uuid.UUID, string) (int, error) {
	return f.used, nil
}

type fakeResults struct {
	mu      sync.Mutex
	stored  map[model.AttemptKey]*model.Result
	inserts int
}

func newFakeResults() *fakeResults {
	return &fakeResults{stored: make(map[model.AttemptKey]*model.Result)}
}

func (f *fakeResults) Insert(_ context.Context, res *model.Result) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if _, ok := f.stored[res.Key()]; ok {
		return false, nil
	}
	f.stored[res.Key()] = res
	return true, nil
}

func (f *fakeResults) GetByAttempt(_ context.Context, key model.AttemptKey) (*model.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.stored[key]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return res, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*model.ExamSession
	started map[uuid.UUID]time.Time
	answers map[uuid.UUID]map[uuid.UUID]json.RawMessage
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		rows:    make(map[uuid.UUID]*model.ExamSession),
		started: make(map[uuid.UUID]time.Time),
		answers: make(map[uuid.UUID]map[uuid.UUID]json.RawMessage),
	}
}

func (f *fakeSessions) Create(_ context.Context, s *model.ExamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.AssessmentID == s.AssessmentID && r.UserID == s.UserID && r.AttemptNumber == s.AttemptNumber {
			return pgx.ErrNoRows
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	cp := *s
	f.rows[s.ID] = &cp
	return nil
}

func (f *fakeSessions) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

func (f *fakeSessions) GetByAttempt(_ context.Context, key model.AttemptKey) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.AssessmentID == key.AssessmentID && r.UserID == key.UserID && r.AttemptNumber == key.AttemptNumber {
			cp := *r
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeSessions) LatestOpen(_ context.Context, assessmentID uuid.UUID, userID string) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.ExamSession
	for _, r := range f.rows {
		if r.AssessmentID != assessmentID || r.UserID != userID || r.State.Terminal() {
			continue
		}
		if best == nil || r.AttemptNumber > best.AttemptNumber {
			best = r
		}
	}
	if best == nil {
		return nil, pgx.ErrNoRows
	}
	cp := *best
	return &cp, nil
}

func (f *fakeSessions) NextAttemptNumber(_ context.Context, assessmentID uuid.UUID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.AssessmentID == assessmentID && r.UserID == userID && r.AttemptNumber > n {
			n = r.AttemptNumber
		}
	}
	return n + 1, nil
}

func (f *fakeSessions) MarkStarted(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		r.State = model.StateActive
		if r.StartedAt == nil {
			r.StartedAt = &at
		}
		f.started[id] = at
	}
	return nil
}

func (f *fakeSessions) ListAnswers(_ context.Context, sessionID uuid.UUID) (map[uuid.UUID]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]json.RawMessage, len(f.answers[sessionID]))
	for q, v := range f.answers[sessionID] {
		out[q] = v
	}
	return out, nil
}

// saveAnswer stands in for the autosave worker.
func (f *fakeSessions) saveAnswer(sessionID, questionID uuid.UUID, v json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answers[sessionID] == nil {
		f.answers[sessionID] = make(map[uuid.UUID]json.RawMessage)
	}
	f.answers[sessionID][questionID] = v
}

// fakeEvents stands in for the security event store.
type fakeEvents struct {
	mu     sync.Mutex
	events map[uuid.UUID][]model.SecurityEvent
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{events: make(map[uuid.UUID][]model.SecurityEvent)}
}

func (f *fakeEvents) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.SecurityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SecurityEvent(nil), f.events[sessionID]...), nil
}

func (f *fakeEvents) add(sessionID uuid.UUID, ev model.SecurityEvent) {
	f.mu.Lock()
	f.events[sessionID] = append(f.events[sessionID], ev)
	f.mu.Unlock()
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeSubmitter struct {
	got chan *model.Result
}

func newFakeSubmitter() *fakeSubmitter { return &fakeSubmitter{got: make(chan *model.Result, 8)} }

func (f *fakeSubmitter) Submit(_ context.Context, res *model.Result) (*model.Result, error) {
	f.got <- res
	return res, nil
}

func (f *fakeSubmitter) Wait(t *testing.T) *model.Result {
	t.Helper()
	select {
	case res := <-f.got:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result submitted")
		return nil
	}
}

// fixture is a published two-question assessment backed by fakes and miniredis.
type fixture struct {
	mr          *miniredis.Miniredis
	rdb         *redis.Client
	store       *fakeAssessments
	attempts    *fakeAttempts
	assessment  *model.Assessment
	assessments *AssessmentService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	a := &model.Assessment{
		ID:     uuid.New(),
		Title:  "Geografi Dasar",
		Status: model.AssessmentStatusPublished,
		Settings: model.Settings{
			Questions: model.QuestionSettings{AllowBacktrack: true},
			Attempts:  model.AttemptSettings{MaxAttempts: 2},
			Access:    model.AccessSettings{Type: model.AccessPublic},
			Security:  model.SecuritySettings{PreventCheating: true, FullScreen: true},
			Grading:   model.GradingSettings{PassingScore: 60},
		},
	}
	store := &fakeAssessments{
		assessments: map[uuid.UUID]*model.Assessment{a.ID: a},
		questions: map[uuid.UUID][]model.QuestionDefinition{a.ID: {
			{
				ID: q2, Type: model.QuestionShortAnswer, Text: "Ibu kota Indonesia?",
				AcceptedAnswers: []string{"Jakarta"}, Points: 1, Order: 2,
			},
			{
				ID: q1, Type: model.QuestionSingleChoice, Text: "2 + 2 = ?",
				Options: []model.Option{{ID: "a", Text: "4", IsCorrect: true}, {ID: "b", Text: "5"}},
				Points:  1, Required: true, Order: 1,
			},
		}},
	}
	attempts := &fakeAttempts{}
	svc := NewAssessmentService(store, attempts, rdb, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	return &fixture{mr: mr, rdb: rdb, store: store, attempts: attempts, assessment: a, assessments: svc}
}

// update mutates the stored assessment.
func (f *fixture) update(fn func(a *model.Assessment)) {
	f.store.mu.Lock()
	fn(f.store.assessments[f.assessment.ID])
	f.store.mu.Unlock()
}

func raw(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
