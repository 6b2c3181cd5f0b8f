package errors

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneMatchesTemplate(t *testing.T) {
	err := Clone(ErrInvalidTransition, "cannot advance a review")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.False(t, errors.Is(err, ErrLocked))
	assert.Equal(t, "cannot advance a review", err.Message)
	assert.Equal(t, "transition not allowed from current stage", ErrInvalidTransition.Message)
}

func TestWrapAsKeepsCause(t *testing.T) {
	cause := fmt.Errorf("update progress: %w", sql.ErrConnDone)
	err := WrapAs(ErrPersistenceFailure, cause, "")

	assert.Equal(t, http.StatusServiceUnavailable, err.Status)
	assert.Equal(t, ErrPersistenceFailure.Message, err.Message)
	assert.True(t, errors.Is(err, ErrPersistenceFailure))
	assert.True(t, errors.Is(err, sql.ErrConnDone))
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	wrapped := fmt.Errorf("handler: %w", ErrLocked)
	appErr := FromError(wrapped)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusLocked, appErr.Status)

	plain := FromError(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, plain.Code)
	assert.Equal(t, "internal server error: boom", plain.Error())
}
