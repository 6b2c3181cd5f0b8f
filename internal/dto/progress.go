package dto

import "github.com/noah-isme/assignment-progress-api/internal/models"

// AdvanceProgressRequest is the optional body of the advance endpoint. When ExpectedStage is set
// and the assignment already moved past it, the call succeeds without changing state.
type AdvanceProgressRequest struct {
	ExpectedStage *models.Stage `json:"expectedStage,omitempty"`
}

// AssignProjectManagerRequest carries the project manager taking over an assignment.
type AssignProjectManagerRequest struct {
	ProjectManagerID string `json:"projectManagerId" validate:"required,max=128"`
}

// AssignFreelancerRequest carries the freelancer being attached to an assignment.
type AssignFreelancerRequest struct {
	FreelancerID string `json:"freelancerId" validate:"required,max=128"`
}

// RecordMarksRequest records the grading outcome.
type RecordMarksRequest struct {
	Category string `json:"category" validate:"required,oneof=PASS FAIL"`
}

// ExportProgressQuery selects the export format.
type ExportProgressQuery struct {
	Format string `form:"format" validate:"omitempty,oneof=csv pdf"`
}
