package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// AssessmentRepository reads assessments and their questions. Authoring
// happens elsewhere; this side never writes them.
type AssessmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssessmentRepository creates a new AssessmentRepository.
func NewAssessmentRepository(pool *pgxpool.Pool) *AssessmentRepository {
	return &AssessmentRepository{pool: pool}
}

// GetByID retrieves an assessment by its UUID.
func (r *AssessmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	a := &model.Assessment{}
	var settings []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, instructions, status, settings, start_date, end_date,
		        password_hash, access_code, created_at, updated_at
		 FROM assessments WHERE id = $1`, id,
	).Scan(&a.ID, &a.Title, &a.Instructions, &a.Status, &settings, &a.StartDate, &a.EndDate,
		&a.PasswordHash, &a.AccessCode, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &a.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return a, nil
}

// ListPublishedIDs returns all PUBLISHED assessment ids.
// Used for cache prewarming on application startup.
func (r *AssessmentRepository) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM assessments WHERE status = $1 ORDER BY created_at`,
		model.AssessmentStatusPublished,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListQuestions returns the full question definitions of an assessment in
// order, answer key included.
func (r *AssessmentRepository) ListQuestions(ctx context.Context, assessmentID uuid.UUID) ([]model.QuestionDefinition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT q.id, q.type, q.text, q.options, q.accepted_answers, q.blanks,
		        aq.points, aq.required, aq.order_num
		 FROM assessment_questions aq
		 JOIN questions q ON q.id = aq.question_id
		 WHERE aq.assessment_id = $1
		 ORDER BY aq.order_num, q.id`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var qs []model.QuestionDefinition
	for rows.Next() {
		var q model.QuestionDefinition
		var options, accepted, blanks []byte
		if err := rows.Scan(&q.ID, &q.Type, &q.Text, &options, &accepted, &blanks,
			&q.Points, &q.Required, &q.Order); err != nil {
			return nil, err
		}
		if err := decodeJSON(options, &q.Options); err != nil {
			return nil, fmt.Errorf("question %s options: %w", q.ID, err)
		}
		if err := decodeJSON(accepted, &q.AcceptedAnswers); err != nil {
			return nil, fmt.Errorf("question %s accepted answers: %w", q.ID, err)
		}
		if err := decodeJSON(blanks, &q.Blanks); err != nil {
			return nil, fmt.Errorf("question %s blanks: %w", q.ID, err)
		}
		qs = append(qs, q)
	}
	return qs, rows.Err()
}

func decodeJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
