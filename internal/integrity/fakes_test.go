package integrity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-integrity/internal/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	ticker *fakeTicker
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker = &fakeTicker{ch: make(chan time.Time)}
	return c.ticker
}

// Tick advances the clock by d and delivers one tick.
func (c *fakeClock) Tick(t *testing.T, d time.Duration) {
	t.Helper()
	c.Advance(d)
	c.mu.Lock()
	tk, now := c.ticker, c.now
	c.mu.Unlock()
	require.NotNil(t, tk, "clock was never started")
	select {
	case tk.ch <- now:
	case <-time.After(time.Second):
		t.Fatal("tick not consumed")
	}
}

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

type fakeFinalizer struct {
	mu       sync.Mutex
	calls    []Submission
	failures int
	done     chan Submission
}

func newFakeFinalizer(failures int) *fakeFinalizer {
	return &fakeFinalizer{failures: failures, done: make(chan Submission, 16)}
}

func (f *fakeFinalizer) Finalize(_ context.Context, sub Submission) (*model.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sub)
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	f.done <- sub
	if fail {
		return nil, errors.New("network unreachable")
	}
	return &model.Result{ID: uuid.New(), Status: sub.Outcome, SubmittedAt: sub.EndedAt}, nil
}

func (f *fakeFinalizer) Calls() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Submission, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeFinalizer) Wait(t *testing.T) Submission {
	t.Helper()
	select {
	case sub := <-f.done:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("finalizer was not called")
		return Submission{}
	}
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) OfType(typ NoticeType) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, n := range r.notices {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type countingHandle struct{ n atomic.Int32 }

func (h *countingHandle) Release() error {
	h.n.Add(1)
	return nil
}

type denials struct {
	mu   sync.Mutex
	sigs []Signal
}

func (d *denials) Deny(sig Signal) {
	d.mu.Lock()
	d.sigs = append(d.sigs, sig)
	d.mu.Unlock()
}

func (d *denials) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sigs)
}

type lockdownKit struct {
	lc         *LockdownContext
	fullscreen *countingHandle
	capture    *countingHandle
	denied     *denials
}

func newLockdown(withCapture bool) *lockdownKit {
	k := &lockdownKit{fullscreen: &countingHandle{}, denied: &denials{}}
	k.lc = &LockdownContext{Fullscreen: k.fullscreen, Denier: k.denied}
	if withCapture {
		k.capture = &countingHandle{}
		k.lc.Capture = k.capture
	}
	return k
}

type harness struct {
	m     *Machine
	clock *fakeClock
	fin   *fakeFinalizer
	rec   *recorder
	qs    []model.QuestionView
}

func questions(n int, required bool) []model.QuestionView {
	qs := make([]model.QuestionView, n)
	for i := range qs {
		qs[i] = model.QuestionView{ID: uuid.New(), Type: model.QuestionSingleChoice, Points: 1, Required: required, Order: i}
	}
	return qs
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), fin: newFakeFinalizer(0), rec: &recorder{}}
	cfg := Config{
		SessionID:      uuid.New(),
		AssessmentID:   uuid.New(),
		UserID:         "user-1",
		AttemptNumber:  1,
		Questions:      questions(3, false),
		Security:       model.SecuritySettings{PreventCheating: true, FullScreen: true, PreventCopyPaste: true, DisableRightClick: true},
		AllowBacktrack: true,
		Escalation:     DefaultEscalationPolicy(),
		Clock:          h.clock,
		Observer:       h.rec,
		Finalizer:      h.fin,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.qs = cfg.Questions
	h.fin = cfg.Finalizer.(*fakeFinalizer)

	m, err := NewMachine(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	h.m = m
	return h
}

func (h *harness) begin(t *testing.T, withCapture bool) *lockdownKit {
	t.Helper()
	k := newLockdown(withCapture)
	require.NoError(t, h.m.Begin(k.lc))
	return k
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.m.Snapshot()
	require.NoError(t, err)
	return s
}

var tabSwitch = Signal{Capability: CapVisibility, Type: "hidden"}
