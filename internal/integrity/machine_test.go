package integrity

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/result"
)

func TestNewMachineStartsInInstructions(t *testing.T) {
	h := newHarness(t, nil)

	s := h.snapshot(t)
	assert.Equal(t, model.StateInstructions, s.State)
	assert.Equal(t, model.SyncNone, s.Sync)
	require.NotEmpty(t, h.rec.OfType(NoticeState))
}

func TestBeginRequiresLockdown(t *testing.T) {
	t.Run("missing fullscreen", func(t *testing.T) {
		h := newHarness(t, nil)
		err := h.m.Begin(&LockdownContext{Denier: &denials{}})
		require.ErrorIs(t, err, ErrLockdownUnavailable)

		s := h.snapshot(t)
		assert.Equal(t, model.StateInstructions, s.State)
		assert.Empty(t, s.Violations)
	})

	t.Run("proctored without capture", func(t *testing.T) {
		h := newHarness(t, func(c *Config) {
			c.Security.Proctoring = true
			c.Security.Webcam = true
		})
		k := newLockdown(false)
		require.ErrorIs(t, h.m.Begin(k.lc), ErrLockdownUnavailable)
		assert.Equal(t, int32(1), k.fullscreen.n.Load(), "partial lockdown is handed back")
		assert.Equal(t, model.StateInstructions, h.snapshot(t).State)

		h.begin(t, true)
		assert.Equal(t, model.StateActive, h.snapshot(t).State)
	})
}

func TestViolationsEscalateToTerminated(t *testing.T) {
	h := newHarness(t, nil)
	k := h.begin(t, false)

	for i := 0; i < 2; i++ {
		h.clock.Advance(10 * time.Second)
		require.NoError(t, h.m.Signal(tabSwitch))
	}
	s := h.snapshot(t)
	assert.Equal(t, model.StateActive, s.State)
	assert.Len(t, s.Violations, 2)
	warns := h.rec.OfType(NoticeWarn)
	require.Len(t, warns, 2)
	assert.Equal(t, model.StateWarning, warns[0].State)

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.m.Signal(tabSwitch))

	s = h.snapshot(t)
	assert.Equal(t, model.StateTerminated, s.State)
	assert.Equal(t, 3, k.denied.Count(), "every detected signal is denied")
	assert.Equal(t, int32(1), k.fullscreen.n.Load())

	sub := h.fin.Wait(t)
	assert.Equal(t, model.StateTerminated, sub.Outcome)
	require.Len(t, sub.Events, 4)
	assert.Equal(t, model.EventEscalationTerminated, sub.Events[3].Kind)
	assert.False(t, sub.ForcedReview)
}

func TestEscalationIndependentOfRiskScore(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Escalation = EscalationPolicy{Total: 5} })
	h.begin(t, false)

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		require.NoError(t, h.m.Signal(tabSwitch))
	}
	h.clock.Advance(time.Minute)
	require.NoError(t, h.m.Signal(Signal{Capability: CapFullscreen, Type: "exit"}))

	s := h.snapshot(t)
	assert.Equal(t, model.StateActive, s.State)
	assert.Equal(t, 30, s.Cheating.RiskScore)
	assert.False(t, s.Cheating.FlaggedForReview)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.m.Signal(tabSwitch))

	s = h.snapshot(t)
	assert.Equal(t, model.StateTerminated, s.State)
	assert.Equal(t, 35, s.Cheating.RiskScore)
	assert.False(t, s.Cheating.FlaggedForReview)
}

func TestPerKindEscalation(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Escalation = EscalationPolicy{PerKind: map[model.EventKind]int{model.EventDevToolsSuspected: 1}}
	})
	h.begin(t, false)

	require.NoError(t, h.m.Signal(tabSwitch))
	assert.Equal(t, model.StateActive, h.snapshot(t).State)

	require.NoError(t, h.m.Signal(Signal{Capability: CapKeyboard, Type: "keydown", Key: "F12"}))
	assert.Equal(t, model.StateTerminated, h.snapshot(t).State)
}

func TestBurstAddsWeight(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Escalation = EscalationPolicy{} })
	h.begin(t, false)

	require.NoError(t, h.m.Signal(tabSwitch))
	h.clock.Advance(time.Second)
	require.NoError(t, h.m.Signal(Signal{Capability: CapClipboard, Type: "paste"}))

	s := h.snapshot(t)
	require.Len(t, s.Violations, 2)
	assert.True(t, s.Violations[1].Burst)
	assert.Equal(t, 20, s.Violations[1].SeverityWeight)
	assert.Equal(t, 25, s.Cheating.RiskScore)
}

func TestTimeoutScenario(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Questions = questions(2, true)
		c.Duration = time.Minute
		c.TimeWarnings = []time.Duration{30 * time.Second}
	})
	h.begin(t, false)

	q1, q2 := h.qs[0], h.qs[1]
	require.NoError(t, h.m.RecordAnswer(q1.ID, json.RawMessage(`"a"`)))
	require.NoError(t, h.m.Advance())

	h.clock.Tick(t, 40*time.Second)
	require.Eventually(t, func() bool { return len(h.rec.OfType(NoticeTimeWarning)) == 1 }, time.Second, 5*time.Millisecond)

	h.clock.Tick(t, 20*time.Second)
	sub := h.fin.Wait(t)

	assert.Equal(t, model.StateTimedOut, sub.Outcome)
	timeouts := 0
	for _, e := range sub.Events {
		if e.Kind == model.EventAutoSubmitTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts)
	require.Len(t, sub.Answers, 1)

	assessment := &model.Assessment{ID: sub.AssessmentID}
	assessment.Settings.Grading.PassingScore = 50
	key := &model.AnswerKey{AssessmentID: sub.AssessmentID, Questions: []model.QuestionDefinition{
		{ID: q1.ID, Type: model.QuestionSingleChoice, Points: 1, Required: true, Options: []model.Option{{ID: "a", IsCorrect: true}, {ID: "b"}}},
		{ID: q2.ID, Type: model.QuestionSingleChoice, Points: 1, Required: true, Options: []model.Option{{ID: "a"}, {ID: "b", IsCorrect: true}}},
	}}
	res := result.NewAssembler(zerolog.Nop()).Assemble(result.Input{
		Assessment: assessment,
		Key:        key,
		Status:     sub.Outcome,
		Answers:    sub.Answers,
		Events:     sub.Events,
		StartTime:  sub.StartedAt,
		EndTime:    sub.EndedAt,
	})
	assert.Equal(t, 1, res.Score.RawPoints)
	assert.Equal(t, 50, res.Score.Percentage)
	assert.True(t, res.Score.Passed)
	assert.Equal(t, 60, res.SessionInfo.TimeSpent)
}

func TestTerminalStateIsImmutable(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t, false)
	q := h.qs[0]
	require.NoError(t, h.m.RecordAnswer(q.ID, json.RawMessage(`"a"`)))
	require.NoError(t, h.m.Submit())
	h.fin.Wait(t)

	before := h.snapshot(t)
	assert.Equal(t, model.StateSubmitted, before.State)

	assert.ErrorIs(t, h.m.RecordAnswer(q.ID, json.RawMessage(`"b"`)), ErrSessionClosed)
	assert.ErrorIs(t, h.m.Advance(), ErrSessionClosed)
	assert.ErrorIs(t, h.m.Back(), ErrSessionClosed)
	assert.NoError(t, h.m.Signal(tabSwitch))
	assert.NoError(t, h.m.Submit())

	after := h.snapshot(t)
	assert.Equal(t, before.Answers, after.Answers)
	assert.Equal(t, before.Violations, after.Violations)
	assert.Equal(t, model.StateSubmitted, after.State)
	assert.Len(t, h.fin.Calls(), 1)
}

func TestSubmitBeforeBegin(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.m.Submit(), ErrNotActive)
	assert.ErrorIs(t, h.m.RecordAnswer(h.qs[0].ID, json.RawMessage(`"a"`)), ErrNotActive)
}

func TestNavigation(t *testing.T) {
	t.Run("required question blocks advance", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Questions = questions(2, true) })
		h.begin(t, false)

		assert.ErrorIs(t, h.m.Advance(), ErrAnswerRequired)
		require.NoError(t, h.m.RecordAnswer(h.qs[0].ID, json.RawMessage(`""`)))
		assert.ErrorIs(t, h.m.Advance(), ErrAnswerRequired, "blank answer does not count")
		require.NoError(t, h.m.RecordAnswer(h.qs[0].ID, json.RawMessage(`"a"`)))
		require.NoError(t, h.m.Advance())
		assert.Equal(t, 1, h.snapshot(t).CurrentQuestionIndex)
		require.NoError(t, h.m.RecordAnswer(h.qs[1].ID, json.RawMessage(`"b"`)))
		assert.ErrorIs(t, h.m.Advance(), ErrNoMoreQuestions)
	})

	t.Run("backtracking disabled", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.AllowBacktrack = false })
		h.begin(t, false)

		assert.ErrorIs(t, h.m.RecordAnswer(h.qs[1].ID, json.RawMessage(`"a"`)), ErrQuestionNotCurrent)
		require.NoError(t, h.m.RecordAnswer(h.qs[0].ID, json.RawMessage(`"a"`)))
		require.NoError(t, h.m.Advance())
		assert.ErrorIs(t, h.m.RecordAnswer(h.qs[0].ID, json.RawMessage(`"b"`)), ErrBacktrackNotAllowed)
		assert.ErrorIs(t, h.m.Back(), ErrBacktrackNotAllowed)

		s := h.snapshot(t)
		assert.JSONEq(t, `"a"`, string(s.Answers[h.qs[0].ID.String()]))
	})

	t.Run("backtracking allowed and last write wins", func(t *testing.T) {
		h := newHarness(t, nil)
		h.begin(t, false)

		require.NoError(t, h.m.RecordAnswer(h.qs[0].ID, json.RawMessage(`"a"`)))
		require.NoError(t, h.m.Advance())
		require.NoError(t, h.m.Back())
		assert.ErrorIs(t, h.m.Back(), ErrNoMoreQuestions)
		require.NoError(t, h.m.RecordAnswer(h.qs[0].ID, json.RawMessage(`"c"`)))
		require.NoError(t, h.m.RecordAnswer(h.qs[2].ID, json.RawMessage(`"d"`)))

		s := h.snapshot(t)
		assert.JSONEq(t, `"c"`, string(s.Answers[h.qs[0].ID.String()]))
		assert.Equal(t, 2, s.Answered)
	})

	t.Run("unknown question", func(t *testing.T) {
		h := newHarness(t, nil)
		h.begin(t, false)
		assert.ErrorIs(t, h.m.RecordAnswer(uuid.New(), json.RawMessage(`"a"`)), ErrUnknownQuestion)
	})
}

func TestInvalidTransitionForcesReview(t *testing.T) {
	h := newHarness(t, nil)
	k := h.begin(t, false)

	err := h.m.Begin(newLockdown(false).lc)
	require.ErrorIs(t, err, ErrInvalidTransition)

	sub := h.fin.Wait(t)
	assert.Equal(t, model.StateTerminated, sub.Outcome)
	assert.True(t, sub.ForcedReview)
	assert.Equal(t, int32(1), k.fullscreen.n.Load())

	s := h.snapshot(t)
	assert.True(t, s.ForcedReview)
	assert.True(t, s.Cheating.FlaggedForReview)

	// Monitors see the same flag as the snapshot.
	states := h.rec.OfType(NoticeState)
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Equal(t, model.StateTerminated, last.State)
	assert.True(t, last.Cheating.FlaggedForReview)
}

func TestCaptureRevokedTerminatesProctoredSession(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Security.Proctoring = true
		c.Security.Webcam = true
	})
	k := h.begin(t, true)

	require.NoError(t, h.m.Signal(Signal{Capability: CapCapture, Type: "revoked"}))

	sub := h.fin.Wait(t)
	assert.Equal(t, model.StateTerminated, sub.Outcome)
	require.Len(t, sub.Events, 1)
	assert.Equal(t, model.EventCaptureRevoked, sub.Events[0].Kind)
	assert.Equal(t, int32(1), k.capture.n.Load())
	assert.Equal(t, int32(1), k.fullscreen.n.Load())
}

func TestLockdownReleasedOnEveryTerminalPath(t *testing.T) {
	paths := map[string]func(t *testing.T, h *harness){
		"submit": func(t *testing.T, h *harness) { require.NoError(t, h.m.Submit()) },
		"escalation": func(t *testing.T, h *harness) {
			for i := 0; i < 3; i++ {
				require.NoError(t, h.m.Signal(tabSwitch))
			}
		},
		"timeout":            func(t *testing.T, h *harness) { h.clock.Tick(t, 2*time.Minute) },
		"invalid transition": func(t *testing.T, h *harness) { _ = h.m.Begin(newLockdown(false).lc) },
	}

	for name, end := range paths {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.Duration = time.Minute })
			k := h.begin(t, false)

			end(t, h)
			h.fin.Wait(t)

			require.NoError(t, h.m.Submit())
			assert.Equal(t, int32(1), k.fullscreen.n.Load())
			assert.True(t, h.snapshot(t).State.Terminal())
			assert.Eventually(t, func() bool { return h.clock.ticker.stopped.Load() }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestSubmitAndTimeoutRaceFinalizesOnce(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Duration = time.Minute })
	h.begin(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.m.Submit()
		}()
	}
	h.clock.Advance(2 * time.Minute)
	select {
	case h.clock.ticker.ch <- h.clock.Now():
	case <-time.After(100 * time.Millisecond):
	}
	wg.Wait()

	h.fin.Wait(t)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.fin.Calls(), 1)
	assert.True(t, h.snapshot(t).State.Terminal())
}

func TestSyncFailureKeepsSubmissionForRetry(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Finalizer = newFakeFinalizer(1) })
	h.begin(t, false)
	require.NoError(t, h.m.RecordAnswer(h.qs[0].ID, json.RawMessage(`"a"`)))

	assert.ErrorIs(t, h.m.RetrySync(), ErrNothingToRetry)
	require.NoError(t, h.m.Submit())
	first := h.fin.Wait(t)

	require.Eventually(t, func() bool {
		s := h.snapshot(t)
		return s.Sync == model.SyncFailed && s.PendingSync
	}, time.Second, 5*time.Millisecond)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.m.RetrySync())
	second := h.fin.Wait(t)
	assert.Equal(t, first, second, "retry redelivers the frozen submission")

	require.Eventually(t, func() bool {
		s := h.snapshot(t)
		return s.Sync == model.SyncSynced && !s.PendingSync && s.Result != nil
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.m.RetrySync(), ErrNothingToRetry)
}

func TestDisabledCapabilitiesAreIgnored(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Security = model.SecuritySettings{PreventCheating: true}
	})
	k := h.begin(t, false)

	require.NoError(t, h.m.Signal(Signal{Capability: CapClipboard, Type: "copy"}))
	require.NoError(t, h.m.Signal(Signal{Capability: CapPointer, Type: "contextmenu"}))
	require.NoError(t, h.m.Signal(Signal{Capability: CapFullscreen, Type: "exit"}))

	assert.Empty(t, h.snapshot(t).Violations)
	assert.Zero(t, k.denied.Count())
}

func TestAnswerNoticesCarryTheAnswer(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t, false)
	require.NoError(t, h.m.RecordAnswer(h.qs[0].ID, json.RawMessage(`"a"`)))

	notices := h.rec.OfType(NoticeAnswer)
	require.Len(t, notices, 1)
	assert.Equal(t, h.qs[0].ID, *notices[0].QuestionID)
	assert.JSONEq(t, `"a"`, string(notices[0].Answer))
	assert.Equal(t, 1, notices[0].Answered)
}

func TestResumeRebindsLockdown(t *testing.T) {
	h := newHarness(t, nil)
	old := h.begin(t, false)

	fresh := newLockdown(false)
	require.NoError(t, h.m.Resume(fresh.lc))
	assert.Equal(t, int32(1), old.fullscreen.n.Load())

	require.NoError(t, h.m.Signal(tabSwitch))
	assert.Zero(t, old.denied.Count())
	assert.Equal(t, 1, fresh.denied.Count())
	assert.Equal(t, model.StateActive, h.snapshot(t).State)
}

func TestCloseStopsMachine(t *testing.T) {
	h := newHarness(t, nil)
	k := h.begin(t, false)
	h.m.Close()

	assert.ErrorIs(t, h.m.Submit(), ErrMachineStopped)
	assert.Equal(t, int32(1), k.fullscreen.n.Load())
	assert.Empty(t, h.fin.Calls())
}

func TestEveryEventIsAnnounced(t *testing.T) {
	h := newHarness(t, nil)
	h.begin(t, false)
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		require.NoError(t, h.m.Signal(tabSwitch))
	}
	h.fin.Wait(t)

	violations := h.rec.OfType(NoticeViolation)
	require.Len(t, violations, 4)
	assert.Equal(t, model.EventEscalationTerminated, violations[3].Event.Kind)
	assert.Equal(t, "low", violations[0].Severity)
	assert.Len(t, h.rec.OfType(NoticeWarn), 2)
}

func TestRestoredSessionKeepsProgress(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Duration = 30 * time.Minute
		c.Restore = &Restore{
			StartedAt: t0.Add(-10 * time.Minute),
			Answers:   map[uuid.UUID]json.RawMessage{c.Questions[1].ID: json.RawMessage(`"a"`)},
			Events: []model.SecurityEvent{
				{Kind: model.EventTabSwitch, Timestamp: t0.Add(-9 * time.Minute), SeverityWeight: 5},
				{Kind: model.EventWindowBlur, Timestamp: t0.Add(-5 * time.Minute), SeverityWeight: 5},
			},
		}
	})

	s := h.snapshot(t)
	assert.Equal(t, model.StateInstructions, s.State)
	assert.True(t, s.Restored)
	assert.Equal(t, 1, s.Answered)
	assert.Equal(t, 1, s.CurrentQuestionIndex)
	assert.Len(t, s.Violations, 2)
	assert.Equal(t, 10, s.Cheating.RiskScore)

	h.begin(t, false)
	s = h.snapshot(t)
	assert.Equal(t, model.StateActive, s.State)
	require.NotNil(t, s.StartedAt)
	assert.Equal(t, t0.Add(-10*time.Minute), *s.StartedAt)
	assert.Equal(t, 20*60, s.RemainingSeconds)

	// Violations from before the interruption still count toward escalation.
	require.NoError(t, h.m.Signal(tabSwitch))
	sub := h.fin.Wait(t)
	assert.Equal(t, model.StateTerminated, sub.Outcome)
	assert.Len(t, sub.Events, 4)
	require.Len(t, sub.Answers, 1)
	assert.Equal(t, h.qs[1].ID, sub.Answers[0].QuestionID)
}

func TestRestoredSessionPastDeadlineTimesOut(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Duration = 30 * time.Minute
		c.Restore = &Restore{
			StartedAt: t0.Add(-40 * time.Minute),
			Answers:   map[uuid.UUID]json.RawMessage{c.Questions[0].ID: json.RawMessage(`"a"`)},
		}
	})

	sub := h.fin.Wait(t)
	assert.Equal(t, model.StateTimedOut, sub.Outcome)
	require.Len(t, sub.Answers, 1)
	require.Len(t, sub.Events, 1)
	assert.Equal(t, model.EventAutoSubmitTimeout, sub.Events[0].Kind)
	assert.Equal(t, t0.Add(-10*time.Minute), sub.Events[0].Timestamp)
	assert.Equal(t, t0.Add(-40*time.Minute), sub.StartedAt)
}
