package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/integrity"
	"github.com/stemsi/exstem-integrity/internal/model"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

type flakyDelivery struct {
	mu        sync.Mutex
	failures  int
	calls     int
	delivered []*model.Result
}

func (d *flakyDelivery) Deliver(_ context.Context, res *model.Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failures > 0 {
		d.failures--
		return errors.New("store unavailable")
	}
	d.delivered = append(d.delivered, res)
	return nil
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func sampleResult(raw int) *model.Result {
	return &model.Result{
		ID:            uuid.New(),
		AssessmentID:  uuid.MustParse("7d3c1c36-3b56-4b59-9e1e-1f8a3f1d2a10"),
		UserID:        "user-1",
		AttemptNumber: 1,
		Status:        model.StateSubmitted,
		Score:         model.ScoreResult{RawPoints: raw, TotalPoints: 10},
		SubmittedAt:   time.Now(),
	}
}

func TestSubmitterRetriesUntilDelivered(t *testing.T) {
	d := &flakyDelivery{failures: 2}
	s := NewSubmitter(d, fastPolicy(3), zerolog.Nop())

	res := sampleResult(5)
	got, err := s.Submit(context.Background(), res)
	require.NoError(t, err)
	assert.Same(t, res, got)
	assert.Equal(t, 3, d.calls)
	assert.Empty(t, s.Pending())
}

func TestSubmitterKeepsFailedResultAndResendsSameContent(t *testing.T) {
	d := &flakyDelivery{failures: 3}
	s := NewSubmitter(d, fastPolicy(2), zerolog.Nop())

	first := sampleResult(5)
	_, err := s.Submit(context.Background(), first)
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 3, d.calls)
	require.Len(t, s.Pending(), 1)

	// A later submission for the same attempt redelivers the original.
	second := sampleResult(9)
	got, err := s.Submit(context.Background(), second)
	require.NoError(t, err)
	assert.Same(t, first, got)
	require.Len(t, d.delivered, 1)
	assert.Equal(t, 5, d.delivered[0].Score.RawPoints)
	assert.Empty(t, s.Pending())
}

func TestSubmitterResend(t *testing.T) {
	d := &flakyDelivery{failures: 1}
	s := NewSubmitter(d, fastPolicy(0), zerolog.Nop())

	_, err := s.Submit(context.Background(), sampleResult(1))
	require.Error(t, err)
	assert.Equal(t, 0, s.Resend(context.Background()))
	assert.Len(t, d.delivered, 1)
}

func TestSubmitterStopsOnCancelledContext(t *testing.T) {
	d := &flakyDelivery{failures: 100}
	s := NewSubmitter(d, RetryPolicy{MaxRetries: 50, Initial: 50 * time.Millisecond, Max: time.Second}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Submit(ctx, sampleResult(1))
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Len(t, s.Pending(), 1)
}

func TestQueueDeliveryPushesJSON(t *testing.T) {
	mr, rdb := newRedis(t)
	q := NewQueueDelivery(rdb)

	res := sampleResult(4)
	require.NoError(t, q.Deliver(context.Background(), res))

	items, err := mr.List(config.WorkerKey.PersistResultsQueue)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var decoded model.Result
	require.NoError(t, json.Unmarshal([]byte(items[0]), &decoded))
	assert.Equal(t, res.ID, decoded.ID)
	assert.Equal(t, 4, decoded.Score.RawPoints)
}

func TestPublisherRoutesNotices(t *testing.T) {
	mr, rdb := newRedis(t)
	p := NewPublisher(rdb, zerolog.Nop())
	ctx := context.Background()

	assessmentID := uuid.New()
	sessionID := uuid.New()
	qid := uuid.New()

	sub := rdb.Subscribe(ctx, config.CacheKey.AssessmentMonitorChannel(assessmentID.String()))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	base := integrity.Notice{
		SessionID:    sessionID,
		AssessmentID: assessmentID,
		UserID:       "user-1",
		State:        model.StateActive,
		Timestamp:    time.Now(),
	}

	answer := base
	answer.Type = integrity.NoticeAnswer
	answer.QuestionID = &qid
	answer.Answer = json.RawMessage(`"a"`)
	require.NoError(t, p.publish(ctx, answer))

	violation := base
	violation.Type = integrity.NoticeViolation
	violation.Event = &model.SecurityEvent{Kind: model.EventTabSwitch, Timestamp: base.Timestamp, SeverityWeight: 5}
	violation.Severity = model.Severity(5)
	require.NoError(t, p.publish(ctx, violation))

	answers, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	var ap AnswerPayload
	require.NoError(t, json.Unmarshal([]byte(answers[0]), &ap))
	assert.Equal(t, qid, ap.QuestionID)
	assert.JSONEq(t, `"a"`, string(ap.Answer))

	events, err := mr.List(config.WorkerKey.PersistSecurityEventsQueue)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var rec model.SecurityEventRecord
	require.NoError(t, json.Unmarshal([]byte(events[0]), &rec))
	assert.Equal(t, model.EventTabSwitch, rec.Kind)
	assert.Equal(t, sessionID, rec.SessionID)

	ch := sub.Channel()
	for _, want := range []integrity.NoticeType{integrity.NoticeAnswer, integrity.NoticeViolation} {
		select {
		case msg := <-ch:
			var m MonitorMessage
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &m))
			assert.Equal(t, want, m.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("no monitor message for %s", want)
		}
	}
}

func TestPublisherDropsWhenFull(t *testing.T) {
	_, rdb := newRedis(t)
	p := NewPublisher(rdb, zerolog.Nop())
	for i := 0; i < publishBuffer+10; i++ {
		p.Notify(integrity.Notice{Type: integrity.NoticeState})
	}
	assert.Len(t, p.ch, publishBuffer)
}

func TestHeartbeatLiveAndExpiry(t *testing.T) {
	mr, rdb := newRedis(t)
	hb := NewHeartbeat(rdb, 30*time.Second)
	ctx := context.Background()

	assessmentID := uuid.New()
	a, b := uuid.New(), uuid.New()
	require.NoError(t, hb.Beat(ctx, assessmentID, a, "u1", model.StateActive, time.Now()))
	require.NoError(t, hb.Beat(ctx, assessmentID, b, "u2", model.StateActive, time.Now()))

	live, err := hb.Live(ctx, assessmentID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, live)

	require.NoError(t, hb.End(ctx, assessmentID, b))
	mr.FastForward(10 * time.Second)
	require.NoError(t, hb.Beat(ctx, assessmentID, a, "u1", model.StateActive, time.Now()))

	live, err = hb.Live(ctx, assessmentID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a}, live)

	mr.FastForward(31 * time.Second)
	live, err = hb.Live(ctx, assessmentID)
	require.NoError(t, err)
	assert.Empty(t, live)

	members, _ := mr.Members(config.CacheKey.AssessmentLiveSessionsKey(assessmentID.String()))
	assert.Empty(t, members)
}
