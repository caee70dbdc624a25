package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// SecurityEventRepository writes the audit trail of security events.
type SecurityEventRepository struct {
	pool *pgxpool.Pool
}

// NewSecurityEventRepository creates a new SecurityEventRepository.
func NewSecurityEventRepository(pool *pgxpool.Pool) *SecurityEventRepository {
	return &SecurityEventRepository{pool: pool}
}

var securityEventColumns = []string{
	"session_id", "assessment_id", "user_id", "kind", "severity_weight",
	"burst", "question_index", "detail", "recorded_at",
}

func securityEventRow(e model.SecurityEventRecord) []interface{} {
	return []interface{}{
		e.SessionID, e.AssessmentID, e.UserID, string(e.Kind), e.SeverityWeight,
		e.Burst, e.QuestionIndex, e.Detail, e.Timestamp,
	}
}

// CopyEvents bulk loads events with COPY.
func (r *SecurityEventRepository) CopyEvents(ctx context.Context, events []model.SecurityEventRecord) (int64, error) {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, securityEventRow(e))
	}
	return r.pool.CopyFrom(ctx, pgx.Identifier{"security_events"}, securityEventColumns, pgx.CopyFromRows(rows))
}

// Insert stores a single event.
func (r *SecurityEventRepository) Insert(ctx context.Context, e model.SecurityEventRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO security_events (session_id, assessment_id, user_id, kind, severity_weight,
		                              burst, question_index, detail, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		securityEventRow(e)...)
	return err
}

// ListBySession returns the stored events of a session in the order they happened.
func (r *SecurityEventRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.SecurityEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT kind, recorded_at, question_index, severity_weight, burst, detail
		 FROM security_events
		 WHERE session_id = $1
		 ORDER BY recorded_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SecurityEvent
	for rows.Next() {
		var e model.SecurityEvent
		if err := rows.Scan(&e.Kind, &e.Timestamp, &e.QuestionIndex, &e.SeverityWeight, &e.Burst, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
