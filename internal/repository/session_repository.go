package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// SessionRepository handles exam session data access.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, assessment_id, user_id, attempt_number, state, started_at, ended_at, created_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	if err := row.Scan(&s.ID, &s.AssessmentID, &s.UserID, &s.AttemptNumber, &s.State,
		&s.StartedAt, &s.EndedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a new session for the next attempt. It returns
// pgx.ErrNoRows when the attempt already exists (concurrent open).
func (r *SessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (assessment_id, user_id, attempt_number, state)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (assessment_id, user_id, attempt_number) DO NOTHING
		 RETURNING id, created_at`,
		s.AssessmentID, s.UserID, s.AttemptNumber, s.State,
	).Scan(&s.ID, &s.CreatedAt)
}

// GetByID retrieves a session by id.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// GetByAttempt retrieves the session for one attempt.
func (r *SessionRepository) GetByAttempt(ctx context.Context, key model.AttemptKey) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE assessment_id = $1 AND user_id = $2 AND attempt_number = $3`,
		key.AssessmentID, key.UserID, key.AttemptNumber))
}

// LatestOpen returns the most recent non-terminal session of a user.
func (r *SessionRepository) LatestOpen(ctx context.Context, assessmentID uuid.UUID, userID string) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE assessment_id = $1 AND user_id = $2
		   AND state IN ($3, $4, $5)
		 ORDER BY attempt_number DESC
		 LIMIT 1`,
		assessmentID, userID, model.StateNotStarted, model.StateInstructions, model.StateActive))
}

// NextAttemptNumber returns one past the highest attempt number used by a
// session or by a directly submitted result.
func (r *SessionRepository) NextAttemptNumber(ctx context.Context, assessmentID uuid.UUID, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT GREATEST(
		        (SELECT COALESCE(MAX(attempt_number), 0) FROM exam_sessions
		          WHERE assessment_id = $1 AND user_id = $2),
		        (SELECT COALESCE(MAX(attempt_number), 0) FROM results
		          WHERE assessment_id = $1 AND user_id = $2)) + 1`,
		assessmentID, userID,
	).Scan(&n)
	return n, err
}

// MarkStarted records the transition into Active. The first start time is kept.
func (r *SessionRepository) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET state = $1, started_at = COALESCE(started_at, $2)
		 WHERE id = $3 AND ended_at IS NULL`,
		model.StateActive, at, id)
	return err
}

// ListLive returns sessions currently open on an assessment.
func (r *SessionRepository) ListLive(ctx context.Context, assessmentID uuid.UUID) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE assessment_id = $1 AND state IN ($2, $3)
		 ORDER BY created_at`,
		assessmentID, model.StateInstructions, model.StateActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// SaveAnswer upserts the latest answer for a question of a session.
func (r *SessionRepository) SaveAnswer(ctx context.Context, sessionID, questionID uuid.UUID, answer json.RawMessage, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_answers (session_id, question_id, answer, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET answer = EXCLUDED.answer, updated_at = EXCLUDED.updated_at
		 WHERE session_answers.updated_at <= EXCLUDED.updated_at`,
		sessionID, questionID, []byte(answer), at)
	return err
}

// ListAnswers returns the autosaved answers of a session keyed by question.
func (r *SessionRepository) ListAnswers(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]json.RawMessage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer FROM session_answers WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]json.RawMessage)
	for rows.Next() {
		var (
			qid    uuid.UUID
			answer []byte
		)
		if err := rows.Scan(&qid, &answer); err != nil {
			return nil, err
		}
		out[qid] = answer
	}
	return out, rows.Err()
}
