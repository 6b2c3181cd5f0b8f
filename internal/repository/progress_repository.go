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

var (
	// ErrVersionConflict is returned when an update loses the optimistic concurrency check.
	ErrVersionConflict = errors.New("progress version conflict")
	// ErrProgressExists is returned when creating a state for an assignment that already has one.
	ErrProgressExists = errors.New("progress state already exists")
)

const progressColumns = `assignment_id, current_stage, posted_at, under_process_at, assigned_to_pm_at,
       assigned_to_freelancer_at, completed_marks_pending_at, completed_at, review_received_at,
       is_resit, is_lost, marks_added, marks_category, project_manager_id, resit_declared_at,
       lost_declared_at, resit_count, version, created_at, updated_at`

type progressRow struct {
	AssignmentID            string         `db:"assignment_id"`
	CurrentStage            int            `db:"current_stage"`
	PostedAt                *time.Time     `db:"posted_at"`
	UnderProcessAt          *time.Time     `db:"under_process_at"`
	AssignedToPMAt          *time.Time     `db:"assigned_to_pm_at"`
	AssignedToFreelancerAt  *time.Time     `db:"assigned_to_freelancer_at"`
	CompletedMarksPendingAt *time.Time     `db:"completed_marks_pending_at"`
	CompletedAt             *time.Time     `db:"completed_at"`
	ReviewReceivedAt        *time.Time     `db:"review_received_at"`
	IsResit                 bool           `db:"is_resit"`
	IsLost                  bool           `db:"is_lost"`
	MarksAdded              bool           `db:"marks_added"`
	MarksCategory           sql.NullString `db:"marks_category"`
	ProjectManagerID        sql.NullString `db:"project_manager_id"`
	ResitDeclaredAt         *time.Time     `db:"resit_declared_at"`
	LostDeclaredAt          *time.Time     `db:"lost_declared_at"`
	ResitCount              int            `db:"resit_count"`
	Version                 int64          `db:"version"`
	CreatedAt               time.Time      `db:"created_at"`
	UpdatedAt               time.Time      `db:"updated_at"`
}

type progressUpdateRow struct {
	progressRow
	ExpectedVersion int64 `db:"expected_version"`
}

func toProgressRow(state *models.ProgressState) progressRow {
	ts := state.StageTimestamps
	row := progressRow{
		AssignmentID:            state.AssignmentID,
		CurrentStage:            int(state.CurrentStage),
		PostedAt:                ts.Get(models.StagePosted),
		UnderProcessAt:          ts.Get(models.StageUnderProcess),
		AssignedToPMAt:          ts.Get(models.StageAssignedToPM),
		AssignedToFreelancerAt:  ts.Get(models.StageAssignedToFreelancer),
		CompletedMarksPendingAt: ts.Get(models.StageCompletedMarksNotReceived),
		CompletedAt:             ts.Get(models.StageCompleted),
		ReviewReceivedAt:        ts.Get(models.StageReviewReceived),
		IsResit:                 state.IsResit,
		IsLost:                  state.IsLost,
		MarksAdded:              state.MarksAdded,
		ResitDeclaredAt:         state.ResitDeclaredAt,
		LostDeclaredAt:          state.LostDeclaredAt,
		ResitCount:              state.ResitCount,
		Version:                 state.Version,
		CreatedAt:               state.CreatedAt,
		UpdatedAt:               state.UpdatedAt,
	}
	if state.MarksCategory != nil {
		row.MarksCategory = sql.NullString{String: string(*state.MarksCategory), Valid: true}
	}
	if state.ProjectManagerID != nil {
		row.ProjectManagerID = sql.NullString{String: *state.ProjectManagerID, Valid: true}
	}
	return row
}

func (r progressRow) toModel() *models.ProgressState {
	state := &models.ProgressState{
		AssignmentID:    r.AssignmentID,
		CurrentStage:    models.Stage(r.CurrentStage),
		IsResit:         r.IsResit,
		IsLost:          r.IsLost,
		MarksAdded:      r.MarksAdded,
		ResitDeclaredAt: r.ResitDeclaredAt,
		LostDeclaredAt:  r.LostDeclaredAt,
		ResitCount:      r.ResitCount,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	stamps := []*time.Time{
		r.PostedAt,
		r.UnderProcessAt,
		r.AssignedToPMAt,
		r.AssignedToFreelancerAt,
		r.CompletedMarksPendingAt,
		r.CompletedAt,
		r.ReviewReceivedAt,
	}
	for i, ts := range stamps {
		if ts != nil {
			state.StageTimestamps.Set(models.Stage(i), *ts)
		}
	}
	if r.MarksCategory.Valid {
		category := models.MarksCategory(r.MarksCategory.String)
		state.MarksCategory = &category
	}
	if r.ProjectManagerID.Valid {
		pm := r.ProjectManagerID.String
		state.ProjectManagerID = &pm
	}
	return state
}

// ProgressRepository persists assignment progress state.
type ProgressRepository struct {
	db *sqlx.DB
}

// NewProgressRepository constructs the repository.
func NewProgressRepository(db *sqlx.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

// Create inserts the initial state. It returns ErrProgressExists when a row is already present.
func (r *ProgressRepository) Create(ctx context.Context, state *models.ProgressState) error {
	const query = `INSERT INTO assignment_progress
	(assignment_id, current_stage, posted_at, under_process_at, assigned_to_pm_at, assigned_to_freelancer_at,
	 completed_marks_pending_at, completed_at, review_received_at, is_resit, is_lost, marks_added, marks_category,
	 project_manager_id, resit_declared_at, lost_declared_at, resit_count, version, created_at, updated_at)
	VALUES (:assignment_id, :current_stage, :posted_at, :under_process_at, :assigned_to_pm_at, :assigned_to_freelancer_at,
	 :completed_marks_pending_at, :completed_at, :review_received_at, :is_resit, :is_lost, :marks_added, :marks_category,
	 :project_manager_id, :resit_declared_at, :lost_declared_at, :resit_count, :version, :created_at, :updated_at)
	ON CONFLICT (assignment_id) DO NOTHING`
	result, err := conn(ctx, r.db).NamedExecContext(ctx, query, toProgressRow(state))
	if err != nil {
		return fmt.Errorf("create progress: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create progress rows affected: %w", err)
	}
	if affected == 0 {
		return ErrProgressExists
	}
	return nil
}

// Get loads the state of an assignment. Missing rows surface as sql.ErrNoRows.
func (r *ProgressRepository) Get(ctx context.Context, assignmentID string) (*models.ProgressState, error) {
	query := `SELECT ` + progressColumns + ` FROM assignment_progress WHERE assignment_id = $1`
	var row progressRow
	if err := conn(ctx, r.db).GetContext(ctx, &row, query, assignmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return row.toModel(), nil
}

// Update writes state when the stored version still equals expectedVersion.
func (r *ProgressRepository) Update(ctx context.Context, state *models.ProgressState, expectedVersion int64) error {
	const query = `UPDATE assignment_progress SET
	current_stage = :current_stage,
	posted_at = :posted_at,
	under_process_at = :under_process_at,
	assigned_to_pm_at = :assigned_to_pm_at,
	assigned_to_freelancer_at = :assigned_to_freelancer_at,
	completed_marks_pending_at = :completed_marks_pending_at,
	completed_at = :completed_at,
	review_received_at = :review_received_at,
	is_resit = :is_resit,
	is_lost = :is_lost,
	marks_added = :marks_added,
	marks_category = :marks_category,
	project_manager_id = :project_manager_id,
	resit_declared_at = :resit_declared_at,
	lost_declared_at = :lost_declared_at,
	resit_count = :resit_count,
	version = :version,
	updated_at = :updated_at
	WHERE assignment_id = :assignment_id AND version = :expected_version`
	result, err := conn(ctx, r.db).NamedExecContext(ctx, query, progressUpdateRow{
		progressRow:     toProgressRow(state),
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update progress rows affected: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}
