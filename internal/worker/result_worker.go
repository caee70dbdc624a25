package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// ResultStore is the persistence the result worker writes through.
type ResultStore interface {
	InsertBatch(ctx context.Context, results []*model.Result) ([]bool, error)
	Insert(ctx context.Context, res *model.Result) (bool, error)
}

// ResultWorker consumes persist_results_queue and stores finished attempts.
// Inserts are idempotent per attempt, so redelivered results are harmless.
type ResultWorker struct {
	store ResultStore
	log   zerolog.Logger
	loop  *queueLoop[*model.Result]
}

func NewResultWorker(store ResultStore, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	w := &ResultWorker{
		store: store,
		log:   log.With().Str("component", "result_worker").Logger(),
	}
	w.loop = newQueueLoop(rdb, config.WorkerKey.PersistResultsQueue, w.log, w.flush)
	return w
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")
	w.loop.run(ctx)
}

func (w *ResultWorker) flush(ctx context.Context, batch []*model.Result) []*model.Result {
	inserted, err := w.store.InsertBatch(ctx, batch)
	if err == nil {
		w.report(batch, inserted)
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var failed []*model.Result
	for _, res := range batch {
		ok, err := w.store.Insert(ctx, res)
		if err != nil {
			w.log.Error().Err(err).
				Str("assessment_id", res.AssessmentID.String()).
				Str("user_id", res.UserID).
				Int("attempt", res.AttemptNumber).
				Msg("Insert failed, requeueing")
			failed = append(failed, res)
			continue
		}
		w.report([]*model.Result{res}, []bool{ok})
	}
	return failed
}

func (w *ResultWorker) report(batch []*model.Result, inserted []bool) {
	stored := 0
	for i, ok := range inserted {
		if ok {
			stored++
			if batch[i].FlaggedForReview {
				w.log.Warn().
					Str("result_id", batch[i].ID.String()).
					Str("user_id", batch[i].UserID).
					Int("cheating_score", batch[i].CheatingScore).
					Msg("Result flagged for review")
			}
			continue
		}
		w.log.Debug().Str("result_id", batch[i].ID.String()).Msg("Duplicate result ignored")
	}
	w.log.Info().Int("stored", stored).Int("received", len(batch)).Msg("Results persisted")
}
