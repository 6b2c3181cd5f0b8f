package models

import "time"

// TransitionKind labels an engine operation. Pass and fail completions are distinct kinds.
type TransitionKind string

const (
	TransitionCreate               TransitionKind = "CREATE"
	TransitionMarkUnderProcess     TransitionKind = "MARK_UNDER_PROCESS"
	TransitionAssignProjectManager TransitionKind = "ASSIGN_PROJECT_MANAGER"
	TransitionAssignFreelancer     TransitionKind = "ASSIGN_FREELANCER"
	TransitionMarkMarksNotReceived TransitionKind = "MARK_MARKS_NOT_RECEIVED"
	TransitionMarkCompleted        TransitionKind = "MARK_COMPLETED"
	TransitionMarkCompletedFailed  TransitionKind = "MARK_COMPLETED_FAILED"
	TransitionMarkReviewReceived   TransitionKind = "MARK_REVIEW_RECEIVED"
	TransitionResitCompleted       TransitionKind = "RESIT_COMPLETED"
	TransitionDeclareResit         TransitionKind = "DECLARE_RESIT"
	TransitionDeclareLost          TransitionKind = "DECLARE_LOST"
	TransitionReset                TransitionKind = "RESET"
	TransitionRecordMarks          TransitionKind = "RECORD_MARKS"
)

// TransitionEvent is published to the activity log after every successful operation.
type TransitionEvent struct {
	ID           string         `json:"id"`
	AssignmentID string         `json:"assignmentId"`
	Kind         TransitionKind `json:"kind"`
	FromStage    Stage          `json:"fromStage"`
	ToStage      Stage          `json:"toStage"`
	StageLabel   string         `json:"stageLabel"`
	ActorID      string         `json:"actorId,omitempty"`
	IsResit      bool           `json:"isResit"`
	IsLost       bool           `json:"isLost"`
	Version      int64          `json:"version"`
	RequestID    string         `json:"requestId,omitempty"`
	IPAddress    string         `json:"-"`
	UserAgent    string         `json:"-"`
	OccurredAt   time.Time      `json:"occurredAt"`
}
