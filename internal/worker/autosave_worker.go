package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/transport"
)

// AnswerStore upserts in-progress answers.
type AnswerStore interface {
	SaveAnswer(ctx context.Context, sessionID, questionID uuid.UUID, answer json.RawMessage, at time.Time) error
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	store AnswerStore
	log   zerolog.Logger
	loop  *queueLoop[transport.AnswerPayload]
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(store AnswerStore, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	w := &AutosaveWorker{
		store: store,
		log:   log.With().Str("component", "autosave_worker").Logger(),
	}
	w.loop = newQueueLoop(rdb, config.WorkerKey.PersistAnswersQueue, w.log, w.flush)
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("AutosaveWorker started")
	w.loop.run(ctx)
}

type answerSlot struct{ session, question uuid.UUID }

// flush writes only the newest answer per question in the batch.
func (w *AutosaveWorker) flush(ctx context.Context, batch []transport.AnswerPayload) []transport.AnswerPayload {
	latest := make(map[answerSlot]int, len(batch))
	order := make([]answerSlot, 0, len(batch))
	for i, p := range batch {
		slot := answerSlot{p.SessionID, p.QuestionID}
		prev, seen := latest[slot]
		if !seen {
			order = append(order, slot)
			latest[slot] = i
			continue
		}
		if !p.SavedAt.Before(batch[prev].SavedAt) {
			latest[slot] = i
		}
	}

	var failed []transport.AnswerPayload
	for _, slot := range order {
		p := batch[latest[slot]]
		if err := w.store.SaveAnswer(ctx, p.SessionID, p.QuestionID, p.Answer, p.SavedAt); err != nil {
			w.log.Error().Err(err).
				Str("session_id", p.SessionID.String()).
				Str("question_id", p.QuestionID.String()).
				Msg("Persist error, requeueing")
			failed = append(failed, p)
		}
	}
	return failed
}
