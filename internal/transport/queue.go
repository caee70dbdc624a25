package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// QueueDelivery pushes results onto the Redis list drained by the result worker.
type QueueDelivery struct {
	rdb   *redis.Client
	queue string
}

func NewQueueDelivery(rdb *redis.Client) *QueueDelivery {
	return &QueueDelivery{rdb: rdb, queue: config.WorkerKey.PersistResultsQueue}
}

func (q *QueueDelivery) Deliver(ctx context.Context, res *model.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		// Retrying cannot fix an unencodable result.
		return backoff.Permanent(fmt.Errorf("encode result: %w", err))
	}
	return q.rdb.RPush(ctx, q.queue, data).Err()
}
