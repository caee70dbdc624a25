package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// SecurityEventStore bulk loads the security event audit trail.
type SecurityEventStore interface {
	CopyEvents(ctx context.Context, events []model.SecurityEventRecord) (int64, error)
	Insert(ctx context.Context, e model.SecurityEventRecord) error
}

// SecurityEventWorker consumes persist_security_events_queue.
type SecurityEventWorker struct {
	store SecurityEventStore
	log   zerolog.Logger
	loop  *queueLoop[model.SecurityEventRecord]
}

func NewSecurityEventWorker(store SecurityEventStore, rdb *redis.Client, log zerolog.Logger) *SecurityEventWorker {
	w := &SecurityEventWorker{
		store: store,
		log:   log.With().Str("component", "security_event_worker").Logger(),
	}
	w.loop = newQueueLoop(rdb, config.WorkerKey.PersistSecurityEventsQueue, w.log, w.flush)
	return w
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *SecurityEventWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SecurityEventWorker started")
	w.loop.run(ctx)
}

// flush tries COPY first, then single inserts so one bad row cannot
// hold back the rest of the batch.
func (w *SecurityEventWorker) flush(ctx context.Context, batch []model.SecurityEventRecord) []model.SecurityEventRecord {
	_, err := w.store.CopyEvents(ctx, batch)
	if err == nil {
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk copy failed, attempting row-by-row recovery")

	var failed []model.SecurityEventRecord
	for _, e := range batch {
		if err := w.store.Insert(ctx, e); err != nil {
			w.log.Error().Err(err).
				Str("session_id", e.SessionID.String()).
				Str("kind", string(e.Kind)).
				Msg("Insert failed, requeueing")
			failed = append(failed, e)
		}
	}
	return failed
}
