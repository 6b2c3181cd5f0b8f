package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/assignment-progress-api/internal/models"
)

// FreelancerRepository is the PostgreSQL-backed Freelancer Assignment Registry.
type FreelancerRepository struct {
	db *sqlx.DB
}

// NewFreelancerRepository constructs the repository.
func NewFreelancerRepository(db *sqlx.DB) *FreelancerRepository {
	return &FreelancerRepository{db: db}
}

// Assign links a freelancer to the assignment. Re-assigning an active freelancer is a no-op.
func (r *FreelancerRepository) Assign(ctx context.Context, assignmentID, freelancerID string) error {
	link := models.AssignmentFreelancer{
		ID:           uuid.NewString(),
		AssignmentID: assignmentID,
		FreelancerID: freelancerID,
		AssignedAt:   time.Now().UTC(),
	}
	const query = `INSERT INTO assignment_freelancers (id, assignment_id, freelancer_id, assigned_at, unassigned_at)
	VALUES (:id, :assignment_id, :freelancer_id, :assigned_at, :unassigned_at)
	ON CONFLICT (assignment_id, freelancer_id) WHERE unassigned_at IS NULL DO NOTHING`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, link); err != nil {
		return fmt.Errorf("assign freelancer: %w", err)
	}
	return nil
}

// ListActive returns freelancers currently linked to the assignment.
func (r *FreelancerRepository) ListActive(ctx context.Context, assignmentID string) ([]models.AssignmentFreelancer, error) {
	const query = `SELECT id, assignment_id, freelancer_id, assigned_at, unassigned_at
	FROM assignment_freelancers
	WHERE assignment_id = $1 AND unassigned_at IS NULL
	ORDER BY assigned_at`
	var links []models.AssignmentFreelancer
	if err := conn(ctx, r.db).SelectContext(ctx, &links, query, assignmentID); err != nil {
		return nil, fmt.Errorf("list active freelancers: %w", err)
	}
	return links, nil
}

// Unassign detaches the freelancer. Unassigning an inactive link succeeds without changes.
func (r *FreelancerRepository) Unassign(ctx context.Context, assignmentID, freelancerID string) error {
	const query = `UPDATE assignment_freelancers SET unassigned_at = $3
	WHERE assignment_id = $1 AND freelancer_id = $2 AND unassigned_at IS NULL`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, assignmentID, freelancerID, time.Now().UTC()); err != nil {
		return fmt.Errorf("unassign freelancer: %w", err)
	}
	return nil
}
