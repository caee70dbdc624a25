package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-integrity/internal/database"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// ResultRepository persists final results. Writes are idempotent on
// (assessment_id, user_id, attempt_number).
type ResultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

const insertResultSQL = `
	INSERT INTO results (
		id, assessment_id, user_id, attempt_number, session_id, status,
		answers, security_events, raw_points, total_points, percentage, passed, grade,
		cheating_score, flagged_for_review, start_time, end_time, time_spent, submitted_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	ON CONFLICT (assessment_id, user_id, attempt_number) DO NOTHING
	RETURNING id`

const finishSessionSQL = `
	UPDATE exam_sessions
	SET state = $1, ended_at = $2
	WHERE assessment_id = $3 AND user_id = $4 AND attempt_number = $5`

func insertArgs(r *model.Result) ([]interface{}, error) {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	events, err := json.Marshal(r.SecurityEvents)
	if err != nil {
		return nil, fmt.Errorf("encode security events: %w", err)
	}
	return []interface{}{
		r.ID, r.AssessmentID, r.UserID, r.AttemptNumber, r.SessionInfo.SessionID, r.Status,
		answers, events, r.Score.RawPoints, r.Score.TotalPoints, r.Score.Percentage, r.Score.Passed, r.Score.Grade,
		r.CheatingScore, r.FlaggedForReview, r.SessionInfo.StartTime, r.SessionInfo.EndTime,
		r.SessionInfo.TimeSpent, r.SubmittedAt,
	}, nil
}

// Insert stores a result and closes its session row in one transaction.
// It reports false when a result for the attempt already exists.
func (r *ResultRepository) Insert(ctx context.Context, res *model.Result) (bool, error) {
	args, err := insertArgs(res)
	if err != nil {
		return false, err
	}

	inserted := false
	err = database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var id uuid.UUID
		if err := tx.QueryRow(ctx, insertResultSQL, args...).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		inserted = true
		_, err := tx.Exec(ctx, finishSessionSQL,
			res.Status, res.SessionInfo.EndTime, res.AssessmentID, res.UserID, res.AttemptNumber)
		return err
	})
	return inserted, err
}

// InsertBatch stores many results in one round trip. The returned slice
// reports, per input, whether it was newly inserted.
func (r *ResultRepository) InsertBatch(ctx context.Context, results []*model.Result) ([]bool, error) {
	batch := &pgx.Batch{}
	for _, res := range results {
		args, err := insertArgs(res)
		if err != nil {
			return nil, err
		}
		batch.Queue(insertResultSQL, args...)
		batch.Queue(finishSessionSQL,
			res.Status, res.SessionInfo.EndTime, res.AssessmentID, res.UserID, res.AttemptNumber)
	}

	inserted := make([]bool, len(results))
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for i := range results {
			var id uuid.UUID
			if err := br.QueryRow().Scan(&id); err != nil {
				if !errors.Is(err, pgx.ErrNoRows) {
					br.Close()
					return fmt.Errorf("insert result %d: %w", i, err)
				}
			} else {
				inserted[i] = true
			}
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("finish session %d: %w", i, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// GetByAttempt retrieves the stored result for an attempt.
func (r *ResultRepository) GetByAttempt(ctx context.Context, key model.AttemptKey) (*model.Result, error) {
	res := &model.Result{}
	var answers, events []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, assessment_id, user_id, attempt_number, session_id, status,
		        answers, security_events, raw_points, total_points, percentage, passed, grade,
		        cheating_score, flagged_for_review, start_time, end_time, time_spent, submitted_at
		 FROM results
		 WHERE assessment_id = $1 AND user_id = $2 AND attempt_number = $3`,
		key.AssessmentID, key.UserID, key.AttemptNumber,
	).Scan(&res.ID, &res.AssessmentID, &res.UserID, &res.AttemptNumber, &res.SessionInfo.SessionID, &res.Status,
		&answers, &events, &res.Score.RawPoints, &res.Score.TotalPoints, &res.Score.Percentage,
		&res.Score.Passed, &res.Score.Grade, &res.CheatingScore, &res.FlaggedForReview,
		&res.SessionInfo.StartTime, &res.SessionInfo.EndTime, &res.SessionInfo.TimeSpent, &res.SubmittedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(answers, &res.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	if err := decodeJSON(events, &res.SecurityEvents); err != nil {
		return nil, fmt.Errorf("decode security events: %w", err)
	}
	return res, nil
}

// CountByUser returns how many attempts a user has completed.
func (r *ResultRepository) CountByUser(ctx context.Context, assessmentID uuid.UUID, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM results WHERE assessment_id = $1 AND user_id = $2`,
		assessmentID, userID,
	).Scan(&n)
	return n, err
}

// AuditRow is the slice of a result the cheating audit needs.
type AuditRow struct {
	ID               uuid.UUID
	AssessmentID     uuid.UUID
	UserID           string
	AttemptNumber    int
	Status           model.SessionState
	SecurityEvents   []model.SecurityEvent
	CheatingScore    int
	FlaggedForReview bool
}

// ListForAudit streams results, optionally filtered by assessment, to fn.
func (r *ResultRepository) ListForAudit(ctx context.Context, assessmentID *uuid.UUID, fn func(AuditRow) error) error {
	query := `SELECT id, assessment_id, user_id, attempt_number, status, security_events,
	                 cheating_score, flagged_for_review
	          FROM results`
	var args []interface{}
	if assessmentID != nil {
		query += ` WHERE assessment_id = $1`
		args = append(args, *assessmentID)
	}
	query += ` ORDER BY submitted_at`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var row AuditRow
		var events []byte
		if err := rows.Scan(&row.ID, &row.AssessmentID, &row.UserID, &row.AttemptNumber, &row.Status,
			&events, &row.CheatingScore, &row.FlaggedForReview); err != nil {
			return err
		}
		if err := decodeJSON(events, &row.SecurityEvents); err != nil {
			return fmt.Errorf("result %s events: %w", row.ID, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// UpdateCheating overwrites the stored risk score and events of a result.
func (r *ResultRepository) UpdateCheating(ctx context.Context, id uuid.UUID, events []model.SecurityEvent, c model.CheatingAssessment) error {
	raw, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE results
		 SET security_events = $1, cheating_score = $2, flagged_for_review = $3
		 WHERE id = $4`,
		raw, c.RiskScore, c.FlaggedForReview, id)
	return err
}
