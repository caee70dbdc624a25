package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/integrity"
	"github.com/stemsi/exstem-integrity/internal/model"
)

const publishBuffer = 1024

// AnswerPayload is queued for the autosave worker on every recorded answer.
type AnswerPayload struct {
	SessionID  uuid.UUID       `json:"session_id"`
	QuestionID uuid.UUID       `json:"question_id"`
	Answer     json.RawMessage `json:"answer"`
	SavedAt    time.Time       `json:"saved_at"`
}

// MonitorMessage is what proctors receive on the assessment monitor channel.
type MonitorMessage struct {
	Type       integrity.NoticeType     `json:"type"`
	SessionID  uuid.UUID                `json:"session_id"`
	UserID     string                   `json:"user_id"`
	State      model.SessionState       `json:"state"`
	Kind       model.EventKind          `json:"kind,omitempty"`
	Severity   string                   `json:"severity,omitempty"`
	Violations int                      `json:"violations"`
	Answered   int                      `json:"answered"`
	Cheating   model.CheatingAssessment `json:"cheating"`
	Sync       model.SyncStatus         `json:"sync,omitempty"`
	Timestamp  int64                    `json:"timestamp"`
}

// Publisher is a non-blocking Observer that fans notices out to Redis:
// answers and violations onto the persistence queues, everything onto
// the monitor channel. Notices are dropped when the buffer is full.
type Publisher struct {
	rdb *redis.Client
	ch  chan integrity.Notice
	log zerolog.Logger
}

func NewPublisher(rdb *redis.Client, log zerolog.Logger) *Publisher {
	return &Publisher{
		rdb: rdb,
		ch:  make(chan integrity.Notice, publishBuffer),
		log: log.With().Str("component", "publisher").Logger(),
	}
}

func (p *Publisher) Notify(n integrity.Notice) {
	select {
	case p.ch <- n:
	default:
		p.log.Warn().Str("session_id", n.SessionID.String()).Str("type", string(n.Type)).Msg("Publish buffer full, dropping notice")
	}
}

// Run drains the buffer until ctx is cancelled, then flushes what is left.
func (p *Publisher) Run(ctx context.Context) {
	p.log.Info().Msg("Publisher started")
	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.log.Info().Msg("Publisher stopped")
			return
		case n := <-p.ch:
			if err := p.publish(ctx, n); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Str("session_id", n.SessionID.String()).Msg("Failed to publish notice")
			}
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case n := <-p.ch:
			if err := p.publish(ctx, n); err != nil {
				p.log.Error().Err(err).Msg("Drain publish error")
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, n integrity.Notice) error {
	pipe := p.rdb.Pipeline()

	switch {
	case n.Type == integrity.NoticeAnswer && n.QuestionID != nil:
		data, err := json.Marshal(AnswerPayload{
			SessionID:  n.SessionID,
			QuestionID: *n.QuestionID,
			Answer:     n.Answer,
			SavedAt:    n.Timestamp,
		})
		if err != nil {
			return err
		}
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, data)

	case n.Type == integrity.NoticeViolation && n.Event != nil:
		data, err := json.Marshal(model.SecurityEventRecord{
			SessionID:     n.SessionID,
			AssessmentID:  n.AssessmentID,
			UserID:        n.UserID,
			SecurityEvent: *n.Event,
		})
		if err != nil {
			return err
		}
		pipe.RPush(ctx, config.WorkerKey.PersistSecurityEventsQueue, data)
	}

	msg := MonitorMessage{
		Type:       n.Type,
		SessionID:  n.SessionID,
		UserID:     n.UserID,
		State:      n.State,
		Severity:   n.Severity,
		Violations: n.Violations,
		Answered:   n.Answered,
		Cheating:   n.Cheating,
		Sync:       n.Sync,
		Timestamp:  n.Timestamp.Unix(),
	}
	if n.Event != nil {
		msg.Kind = n.Event.Kind
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe.Publish(ctx, config.CacheKey.AssessmentMonitorChannel(n.AssessmentID.String()), data)

	_, err = pipe.Exec(ctx)
	return err
}
