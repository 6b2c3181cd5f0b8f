package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/assignment-progress-api/internal/models"
)

func TestTxManagerRollsBackRegistryWritesWhenProgressUpdateFails(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	tx := NewTxManager(db)
	freelancers := NewFreelancerRepository(db)
	marks := NewMarksRepository(db)
	progress := NewProgressRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assignment_freelancers SET unassigned_at")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assignment_marks")).
		WithArgs("asg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assignment_progress SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	state := models.NewProgressState("asg-1", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := freelancers.Unassign(ctx, "asg-1", "fl-1"); err != nil {
			return err
		}
		if err := marks.Clear(ctx, "asg-1"); err != nil {
			return err
		}
		return progress.Update(ctx, state, 3)
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManagerCommits(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	tx := NewTxManager(db)
	marks := NewMarksRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assignment_marks")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		return marks.Record(ctx, &models.AssignmentMarks{AssignmentID: "asg-1", Category: models.MarksPass, RecordedBy: "grader-1"})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManagerNestedCallsJoinTransaction(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	tx := NewTxManager(db)
	marks := NewMarksRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assignment_marks")).
		WithArgs("asg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		return tx.WithinTx(ctx, func(ctx context.Context) error {
			require.NoError(t, marks.Clear(ctx, "asg-1"))
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxManagerBeginFailure(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	called := false
	err := NewTxManager(db).WithinTx(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}
