package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// Heartbeat tracks which sessions still have a connected client.
type Heartbeat struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewHeartbeat(rdb *redis.Client, ttl time.Duration) *Heartbeat {
	return &Heartbeat{rdb: rdb, ttl: ttl}
}

// Beat refreshes the session's heartbeat hash and live-set membership.
func (h *Heartbeat) Beat(ctx context.Context, assessmentID, sessionID uuid.UUID, userID string, state model.SessionState, at time.Time) error {
	key := config.CacheKey.SessionHeartbeatKey(sessionID.String())

	pipe := h.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id": userID,
		"state":   string(state),
		"seen_at": at.Unix(),
	})
	pipe.Expire(ctx, key, h.ttl)
	pipe.SAdd(ctx, config.CacheKey.AssessmentLiveSessionsKey(assessmentID.String()), sessionID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Live returns session IDs whose heartbeat has not expired, pruning the
// stale members from the live set as it goes.
func (h *Heartbeat) Live(ctx context.Context, assessmentID uuid.UUID) ([]uuid.UUID, error) {
	setKey := config.CacheKey.AssessmentLiveSessionsKey(assessmentID.String())
	members, err := h.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := h.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.Exists(ctx, config.CacheKey.SessionHeartbeatKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check heartbeats: %w", err)
	}

	live := make([]uuid.UUID, 0, len(members))
	var stale []interface{}
	for i, m := range members {
		id, perr := uuid.Parse(m)
		if perr != nil || cmds[i].Val() == 0 {
			stale = append(stale, m)
			continue
		}
		live = append(live, id)
	}
	if len(stale) > 0 {
		h.rdb.SRem(ctx, setKey, stale...)
	}
	return live, nil
}

// End removes the session from the live set immediately.
func (h *Heartbeat) End(ctx context.Context, assessmentID, sessionID uuid.UUID) error {
	pipe := h.rdb.Pipeline()
	pipe.Del(ctx, config.CacheKey.SessionHeartbeatKey(sessionID.String()))
	pipe.SRem(ctx, config.CacheKey.AssessmentLiveSessionsKey(assessmentID.String()), sessionID.String())
	_, err := pipe.Exec(ctx)
	return err
}
