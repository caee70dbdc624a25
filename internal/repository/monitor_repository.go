package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// MonitorRepository provides aggregate counts for the live monitor.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// GetAnsweredCounts returns the number of persisted answers per session.
func (r *MonitorRepository) GetAnsweredCounts(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT sa.session_id, COUNT(*)
		 FROM session_answers sa
		 JOIN exam_sessions s ON s.id = sa.session_id
		 WHERE s.assessment_id = $1
		 GROUP BY sa.session_id`,
		assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCounts(rows)
}

// GetViolationCounts returns the number of violations per session.
// System events (timeouts, escalation and capture loss) are not counted.
func (r *MonitorRepository) GetViolationCounts(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, COUNT(*)
		 FROM security_events
		 WHERE assessment_id = $1 AND kind <> ALL($2)
		 GROUP BY session_id`,
		assessmentID, []string{
			string(model.EventAutoSubmitTimeout),
			string(model.EventEscalationTerminated),
			string(model.EventCaptureRevoked),
		},
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCounts(rows)
}

func scanCounts(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
