package models

import "time"

// AssignmentFreelancer links a freelancer to an assignment in the Freelancer Assignment Registry.
type AssignmentFreelancer struct {
	ID           string     `db:"id" json:"id"`
	AssignmentID string     `db:"assignment_id" json:"assignmentId"`
	FreelancerID string     `db:"freelancer_id" json:"freelancerId"`
	AssignedAt   time.Time  `db:"assigned_at" json:"assignedAt"`
	UnassignedAt *time.Time `db:"unassigned_at" json:"unassignedAt,omitempty"`
}
