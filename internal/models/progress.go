package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage is a position in the fixed assignment lifecycle. Values are ordered; comparing two
// stages compares their position in the sequence.
type Stage int

const (
	StagePosted Stage = iota
	StageUnderProcess
	StageAssignedToPM
	StageAssignedToFreelancer
	StageCompletedMarksNotReceived
	StageCompleted
	StageReviewReceived
)

// StageCount is the number of lifecycle stages.
const StageCount = 7

var stageCodes = [StageCount]string{
	"POSTED",
	"UNDER_PROCESS",
	"ASSIGNED_TO_PM",
	"ASSIGNED_TO_FREELANCER",
	"COMPLETED_MARKS_NOT_RECEIVED",
	"COMPLETED",
	"REVIEW_RECEIVED",
}

var stageLabels = [StageCount]string{
	"Posted",
	"Under Process",
	"Assigned to PM",
	"Assigned to Freelancer",
	"Completed (Marks Not Received)",
	"Completed",
	"Review Received",
}

// Stages returns every stage in lifecycle order.
func Stages() []Stage {
	out := make([]Stage, StageCount)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= StagePosted && s <= StageReviewReceived
}

// String returns the wire code of the stage.
func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("STAGE(%d)", int(s))
	}
	return stageCodes[s]
}

// Label returns the human readable name shown on timelines.
func (s Stage) Label() string {
	if !s.Valid() {
		return s.String()
	}
	return stageLabels[s]
}

// Next returns the following stage; ok is false for the final stage.
func (s Stage) Next() (Stage, bool) {
	if !s.Valid() || s == StageReviewReceived {
		return s, false
	}
	return s + 1, true
}

// ParseStage accepts a stage code (case-insensitive).
func ParseStage(raw string) (Stage, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	for i, c := range stageCodes {
		if c == code {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", raw)
}

// MarshalJSON encodes the stage as its code.
func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a stage code.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStage(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StageTimestamps holds the moment each stage was reached; nil means not reached.
type StageTimestamps [StageCount]*time.Time

// Get returns the timestamp for s.
func (t StageTimestamps) Get(s Stage) *time.Time {
	if !s.Valid() {
		return nil
	}
	return t[s]
}

// Reached reports whether s has a timestamp.
func (t StageTimestamps) Reached(s Stage) bool {
	return t.Get(s) != nil
}

// Set stamps s with at.
func (t *StageTimestamps) Set(s Stage, at time.Time) {
	if !s.Valid() {
		return
	}
	stamp := at.UTC()
	t[s] = &stamp
}

// LastReached returns the highest stamped stage index, or -1 when nothing is stamped.
func (t StageTimestamps) LastReached() int {
	for i := StageCount - 1; i >= 0; i-- {
		if t[i] != nil {
			return i
		}
	}
	return -1
}

// MarshalJSON encodes the timestamps as a stage-code keyed object.
func (t StageTimestamps) MarshalJSON() ([]byte, error) {
	out := make(map[string]*time.Time, StageCount)
	for i, ts := range t {
		out[stageCodes[i]] = ts
	}
	return json.Marshal(out)
}

// MarksCategory is the grading outcome recorded by the Marks Registry.
type MarksCategory string

const (
	MarksPass MarksCategory = "PASS"
	MarksFail MarksCategory = "FAIL"
)

// Valid reports whether c is a known category.
func (c MarksCategory) Valid() bool {
	return c == MarksPass || c == MarksFail
}

// ProgressState is the engine-owned lifecycle state of one assignment.
type ProgressState struct {
	AssignmentID     string          `json:"assignmentId"`
	CurrentStage     Stage           `json:"currentStage"`
	StageTimestamps  StageTimestamps `json:"stageTimestamps"`
	IsResit          bool            `json:"isResit"`
	IsLost           bool            `json:"isLost"`
	MarksAdded       bool            `json:"marksAdded"`
	MarksCategory    *MarksCategory  `json:"marksCategory,omitempty"`
	ProjectManagerID *string         `json:"projectManagerId,omitempty"`
	ResitDeclaredAt  *time.Time      `json:"resitDeclaredAt,omitempty"`
	LostDeclaredAt   *time.Time      `json:"lostDeclaredAt,omitempty"`
	ResitCount       int             `json:"resitCount"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// NewProgressState returns the initial state of a freshly posted assignment.
func NewProgressState(assignmentID string, now time.Time) *ProgressState {
	state := &ProgressState{
		AssignmentID: assignmentID,
		CurrentStage: StagePosted,
		Version:      1,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	state.StageTimestamps.Set(StagePosted, now)
	return state
}

// Clone returns a deep copy.
func (p *ProgressState) Clone() *ProgressState {
	if p == nil {
		return nil
	}
	clone := *p
	for i, ts := range p.StageTimestamps {
		if ts != nil {
			v := *ts
			clone.StageTimestamps[i] = &v
		}
	}
	if p.MarksCategory != nil {
		v := *p.MarksCategory
		clone.MarksCategory = &v
	}
	if p.ProjectManagerID != nil {
		v := *p.ProjectManagerID
		clone.ProjectManagerID = &v
	}
	if p.ResitDeclaredAt != nil {
		v := *p.ResitDeclaredAt
		clone.ResitDeclaredAt = &v
	}
	if p.LostDeclaredAt != nil {
		v := *p.LostDeclaredAt
		clone.LostDeclaredAt = &v
	}
	return &clone
}

// MarksFailed reports whether the recorded marks are a fail.
func (p *ProgressState) MarksFailed() bool {
	return p.MarksCategory != nil && *p.MarksCategory == MarksFail
}

// Reach moves the state into stage s and stamps it.
func (p *ProgressState) Reach(s Stage, at time.Time) {
	p.CurrentStage = s
	p.StageTimestamps.Set(s, at)
}

// Enter moves the state into stage s, stamping it only when it carries no timestamp yet.
func (p *ProgressState) Enter(s Stage, at time.Time) {
	p.CurrentStage = s
	if !p.StageTimestamps.Reached(s) {
		p.StageTimestamps.Set(s, at)
	}
}

// Rewind returns the state to its initial shape, keeping identity and bookkeeping fields.
func (p *ProgressState) Rewind() {
	p.CurrentStage = StagePosted
	p.StageTimestamps = StageTimestamps{}
	p.IsResit = false
	p.IsLost = false
	p.MarksAdded = false
	p.MarksCategory = nil
	p.ProjectManagerID = nil
	p.ResitDeclaredAt = nil
	p.LostDeclaredAt = nil
}

// TimelineState is the display state of one projected stage.
type TimelineState string

const (
	TimelineDone    TimelineState = "done"
	TimelineOngoing TimelineState = "ongoing"
	TimelinePending TimelineState = "pending"
	TimelineFailed  TimelineState = "failed"
)

// Timeline date literals for stages without a timestamp.
const (
	DateInProgress      = "in-progress"
	DateYetToAccomplish = "yet to accomplish"
	LabelFailed         = "FAILED"
	MarkerLost          = "Lost"
)

// TimelineEntry is one row of a projection.
type TimelineEntry struct {
	Stage Stage         `json:"stage"`
	Label string        `json:"label"`
	State TimelineState `json:"state"`
	Date  string        `json:"date"`
}

// Projection is the read-only view of ProgressState served to portals.
type Projection struct {
	AssignmentID       string          `json:"assignmentId"`
	Stages             []TimelineEntry `json:"stages"`
	CurrentStatusIndex int             `json:"currentStatusIndex"`
	CurrentStage       Stage           `json:"currentStage"`
	IsResit            bool            `json:"isResit"`
	IsLost             bool            `json:"isLost"`
	Marker             string          `json:"marker,omitempty"`
	Version            int64           `json:"version"`
}
