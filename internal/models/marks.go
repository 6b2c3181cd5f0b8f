package models

import "time"

// AssignmentMarks is the Marks Registry record for the current grading cycle.
type AssignmentMarks struct {
	AssignmentID string        `db:"assignment_id" json:"assignmentId"`
	Category     MarksCategory `db:"category" json:"category"`
	RecordedBy   string        `db:"recorded_by" json:"recordedBy"`
	RecordedAt   time.Time     `db:"recorded_at" json:"recordedAt"`
}
