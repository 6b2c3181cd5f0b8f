package service

import (
	"fmt"
	"time"

	"github.com/noah-isme/assignment-progress-api/internal/models"
	appErrors "github.com/noah-isme/assignment-progress-api/pkg/errors"
)

// advanceStep is a resolved forward transition.
type advanceStep struct {
	to   models.Stage
	kind models.TransitionKind
}

// advanceGuard decides whether the step toward a stage may run for the given state.
type advanceGuard func(state *models.ProgressState) (models.TransitionKind, error)

// advanceTable maps the ongoing stage (the one after the last reached stage) to its guard.
// Stages absent from the table have no Advance affordance.
var advanceTable = map[models.Stage]advanceGuard{
	models.StageCompletedMarksNotReceived: func(*models.ProgressState) (models.TransitionKind, error) {
		return models.TransitionMarkMarksNotReceived, nil
	},
	models.StageCompleted: func(state *models.ProgressState) (models.TransitionKind, error) {
		if !state.MarksAdded {
			return "", appErrors.Clone(appErrors.ErrInvalidTransition, "marks must be recorded before completion")
		}
		if state.MarksFailed() {
			if state.IsResit {
				return "", appErrors.Clone(appErrors.ErrInvalidTransition, "failed marks cannot complete a resit")
			}
			return models.TransitionMarkCompletedFailed, nil
		}
		return models.TransitionMarkCompleted, nil
	},
	models.StageReviewReceived: func(*models.ProgressState) (models.TransitionKind, error) {
		return models.TransitionMarkReviewReceived, nil
	},
}

// resolveAdvance picks the transition Advance performs for state.
func resolveAdvance(state *models.ProgressState) (advanceStep, error) {
	if state.IsLost {
		return advanceStep{}, appErrors.ErrLocked
	}
	if state.IsResit {
		if state.MarksFailed() {
			return advanceStep{}, appErrors.Clone(appErrors.ErrInvalidTransition, "resit requires passing marks before completion")
		}
		return advanceStep{to: models.StageCompleted, kind: models.TransitionResitCompleted}, nil
	}

	ongoing, ok := state.CurrentStage.Next()
	if !ok {
		return advanceStep{}, appErrors.Clone(appErrors.ErrInvalidTransition, "assignment already reached the final stage")
	}
	guard, ok := advanceTable[ongoing]
	if !ok {
		return advanceStep{}, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("%s cannot be advanced from %s", ongoing.Label(), state.CurrentStage.Label()))
	}
	kind, err := guard(state)
	if err != nil {
		return advanceStep{}, err
	}
	return advanceStep{to: ongoing, kind: kind}, nil
}

// applyAdvance performs step on state. Only the resit completion re-stamps a stage that already
// carries a timestamp; every other step keeps the first stamp.
func applyAdvance(state *models.ProgressState, step advanceStep, now time.Time) {
	if step.kind == models.TransitionResitCompleted {
		state.IsResit = false
		state.ResitCount++
		state.Reach(step.to, now)
		return
	}
	state.Enter(step.to, now)
}

// requireOpen rejects early-stage operations on lost assignments or open resit cycles.
func requireOpen(state *models.ProgressState) error {
	if state.IsLost {
		return appErrors.ErrLocked
	}
	if state.IsResit {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "operation not allowed while a resit is open")
	}
	return nil
}

// requireStage rejects the operation unless the assignment sits exactly at want.
func requireStage(state *models.ProgressState, want models.Stage) error {
	if state.CurrentStage != want {
		return appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("expected stage %s, assignment is at %s", want.Label(), state.CurrentStage.Label()))
	}
	return nil
}

// backfillPosted stamps Posted when a rewound assignment starts moving again.
func backfillPosted(state *models.ProgressState, now time.Time) {
	if !state.StageTimestamps.Reached(models.StagePosted) {
		state.StageTimestamps.Set(models.StagePosted, now)
	}
}

// marksAllowed enforces that marks exist only once the work is in the completion window, and
// that a failing grade only lands on a stage that can complete.
func marksAllowed(state *models.ProgressState, category models.MarksCategory) error {
	if state.IsLost {
		return appErrors.ErrLocked
	}
	if state.IsResit && category == models.MarksPass {
		return nil
	}
	if state.IsResit {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "a resit can only be graded with passing marks")
	}
	if state.CurrentStage < models.StageCompletedMarksNotReceived {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "marks can only be recorded once the work is completed")
	}
	return nil
}
