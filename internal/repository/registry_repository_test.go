package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/assignment-progress-api/internal/models"
)

func TestMarksRepositoryGetMissingReturnsNil(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMarksRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT assignment_id, category, recorded_by, recorded_at FROM assignment_marks")).
		WithArgs("asg-1").
		WillReturnError(sql.ErrNoRows)

	marks, err := repo.Get(context.Background(), "asg-1")
	require.NoError(t, err)
	assert.Nil(t, marks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarksRepositoryRecordAndClear(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMarksRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assignment_marks")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	marks := &models.AssignmentMarks{AssignmentID: "asg-1", Category: models.MarksFail, RecordedBy: "admin-1"}
	require.NoError(t, repo.Record(context.Background(), marks))
	assert.False(t, marks.RecordedAt.IsZero())

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assignment_marks")).
		WithArgs("asg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Clear(context.Background(), "asg-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFreelancerRepositoryLifecycle(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewFreelancerRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assignment_freelancers")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Assign(context.Background(), "asg-1", "fl-1"))

	rows := sqlmock.NewRows([]string{"id", "assignment_id", "freelancer_id", "assigned_at", "unassigned_at"}).
		AddRow("link-1", "asg-1", "fl-1", time.Now(), nil).
		AddRow("link-2", "asg-1", "fl-2", time.Now(), nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, assignment_id, freelancer_id")).
		WithArgs("asg-1").
		WillReturnRows(rows)
	active, err := repo.ListActive(context.Background(), "asg-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "fl-2", active[1].FreelancerID)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE assignment_freelancers SET unassigned_at")).
		WithArgs("asg-1", "fl-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Unassign(context.Background(), "asg-1", "fl-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepositoryCreateAndList(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	resourceID := "asg-1"
	entry := &models.AuditLog{Action: "MARK_COMPLETED", Resource: models.AuditResourceAssignmentProgress, ResourceID: &resourceID}
	require.NoError(t, repo.CreateAuditLog(context.Background(), entry))
	assert.NotEmpty(t, entry.ID)

	rows := sqlmock.NewRows([]string{"id", "user_id", "action", "resource", "resource_id", "old_values", "new_values", "ip_address", "user_agent", "created_at"}).
		AddRow(entry.ID, nil, "MARK_COMPLETED", models.AuditResourceAssignmentProgress, "asg-1", nil, []byte(`{}`), "", "", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, action")).
		WithArgs(models.AuditResourceAssignmentProgress, "asg-1", 50).
		WillReturnRows(rows)
	logs, err := repo.ListByResource(context.Background(), models.AuditResourceAssignmentProgress, "asg-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "MARK_COMPLETED", logs[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}
