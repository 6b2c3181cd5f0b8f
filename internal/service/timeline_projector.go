package service

import (
	"time"

	"github.com/noah-isme/assignment-progress-api/internal/models"
)

// TimelineProjector derives the read-only timeline of a progress state. It never mutates state.
type TimelineProjector struct {
	layout string
}

// NewTimelineProjector builds a projector formatting dates with layout (RFC 3339 when empty).
func NewTimelineProjector(layout string) *TimelineProjector {
	if layout == "" {
		layout = time.RFC3339
	}
	return &TimelineProjector{layout: layout}
}

// Project builds the ordered stage list and current status index.
func (p *TimelineProjector) Project(state *models.ProgressState) models.Projection {
	lastDone := state.StageTimestamps.LastReached()
	current := lastDone + 1
	if current > models.StageCount-1 {
		current = models.StageCount - 1
	}

	projection := models.Projection{
		AssignmentID:       state.AssignmentID,
		CurrentStatusIndex: current,
		CurrentStage:       state.CurrentStage,
		IsResit:            state.IsResit,
		IsLost:             state.IsLost,
		Version:            state.Version,
		Stages:             make([]models.TimelineEntry, 0, models.StageCount),
	}
	if state.IsLost {
		projection.Marker = models.MarkerLost
	}

	for _, stage := range models.Stages() {
		idx := int(stage)
		if state.IsResit && idx > current {
			break
		}
		entry := models.TimelineEntry{Stage: stage, Label: stage.Label()}
		switch {
		case state.IsResit && idx == current:
			entry.Label = models.LabelFailed
			entry.State = models.TimelineFailed
		case state.StageTimestamps.Reached(stage):
			entry.State = models.TimelineDone
			entry.Date = state.StageTimestamps.Get(stage).UTC().Format(p.layout)
		case idx == lastDone+1 && !state.IsLost:
			entry.State = models.TimelineOngoing
			entry.Date = models.DateInProgress
		default:
			entry.State = models.TimelinePending
			entry.Date = models.DateYetToAccomplish
		}
		projection.Stages = append(projection.Stages, entry)
	}

	return projection
}
