package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/assignment-progress-api/internal/models"
)

// MarksRepository is the PostgreSQL-backed Marks Registry.
type MarksRepository struct {
	db *sqlx.DB
}

// NewMarksRepository constructs the repository.
func NewMarksRepository(db *sqlx.DB) *MarksRepository {
	return &MarksRepository{db: db}
}

// Get returns the recorded marks, or nil when none have been recorded for the assignment.
func (r *MarksRepository) Get(ctx context.Context, assignmentID string) (*models.AssignmentMarks, error) {
	const query = `SELECT assignment_id, category, recorded_by, recorded_at FROM assignment_marks WHERE assignment_id = $1`
	var marks models.AssignmentMarks
	if err := conn(ctx, r.db).GetContext(ctx, &marks, query, assignmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get marks: %w", err)
	}
	return &marks, nil
}

// Record upserts the marks for an assignment.
func (r *MarksRepository) Record(ctx context.Context, marks *models.AssignmentMarks) error {
	if marks.RecordedAt.IsZero() {
		marks.RecordedAt = time.Now().UTC()
	}
	const query = `INSERT INTO assignment_marks (assignment_id, category, recorded_by, recorded_at)
	VALUES (:assignment_id, :category, :recorded_by, :recorded_at)
	ON CONFLICT (assignment_id) DO UPDATE SET
		category = EXCLUDED.category,
		recorded_by = EXCLUDED.recorded_by,
		recorded_at = EXCLUDED.recorded_at`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, marks); err != nil {
		return fmt.Errorf("record marks: %w", err)
	}
	return nil
}

// Clear removes recorded marks. Clearing an assignment without marks is not an error.
func (r *MarksRepository) Clear(ctx context.Context, assignmentID string) error {
	if _, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM assignment_marks WHERE assignment_id = $1`, assignmentID); err != nil {
		return fmt.Errorf("clear marks: %w", err)
	}
	return nil
}
