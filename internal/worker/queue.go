package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// flushFunc persists a batch and returns the items that must be retried.
type flushFunc[T any] func(ctx context.Context, batch []T) []T

// queueLoop drains a Redis list of JSON items into batches. A batch is
// flushed when it is full or BatchTimeout has passed since the last
// flush; items the flush could not persist go back on the queue.
type queueLoop[T any] struct {
	rdb   *redis.Client
	queue string
	log   zerolog.Logger
	flush flushFunc[T]

	batchSize    int
	batchTimeout time.Duration
	errorDelay   time.Duration
	requeueDelay time.Duration
}

func newQueueLoop[T any](rdb *redis.Client, queue string, log zerolog.Logger, flush flushFunc[T]) *queueLoop[T] {
	return &queueLoop[T]{
		rdb:          rdb,
		queue:        queue,
		log:          log,
		flush:        flush,
		batchSize:    BatchSize,
		batchTimeout: BatchTimeout,
		errorDelay:   3 * time.Second,
		requeueDelay: 2 * time.Second,
	}
}

func (l *queueLoop[T]) run(ctx context.Context) {
	buffer := make([]T, 0, l.batchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= l.batchSize || time.Since(lastFlush) >= l.batchTimeout) {
			l.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			l.shutdown(buffer)
			return
		default:
		}

		result, err := l.rdb.BLPop(ctx, PollTimeout, l.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			l.log.Error().Err(err).Dur("backoff", l.errorDelay).Msg("Redis connection error")
			sleep(ctx, l.errorDelay)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			// Malformed payloads can never succeed; drop them.
			l.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, item)
	}
}

func (l *queueLoop[T]) flushSafe(ctx context.Context, batch []T) {
	if len(batch) == 0 {
		return
	}
	if failed := l.flush(ctx, batch); len(failed) > 0 {
		l.requeue(ctx, failed)
	}
}

func (l *queueLoop[T]) requeue(ctx context.Context, items []T) {
	pipe := l.rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			l.log.Error().Err(err).Msg("Dropping unencodable item")
			continue
		}
		pipe.RPush(ctx, l.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	l.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleep(ctx, l.requeueDelay)
}

func (l *queueLoop[T]) shutdown(buffer []T) {
	l.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.flushSafe(ctx, buffer)
	l.log.Info().Msg("Worker stopped")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
