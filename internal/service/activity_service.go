package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/assignment-progress-api/internal/models"
	appErrors "github.com/noah-isme/assignment-progress-api/pkg/errors"
	"github.com/noah-isme/assignment-progress-api/pkg/jobs"
)

// Job types handled by the activity queue.
const (
	JobPublishActivity = "activity.publish"
	JobAuditActivity   = "activity.audit"
)

type activityPublisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
	ListByResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error)
}

type jobEnqueuer interface {
	Handle(jobType string, handler jobs.Handler)
	TryEnqueue(job jobs.Job) error
}

// RequestOrigin describes the caller of an engine operation for the audit trail.
type RequestOrigin struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type originKey struct{}

// WithRequestOrigin attaches origin to ctx.
func WithRequestOrigin(ctx context.Context, origin RequestOrigin) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func requestOriginFrom(ctx context.Context) RequestOrigin {
	origin, _ := ctx.Value(originKey{}).(RequestOrigin)
	return origin
}

// ActivityConfig selects the activity destinations.
type ActivityConfig struct {
	RoutingKey string
}

// ActivityService fans transition events out to the broker and the audit trail through a retrying
// job queue. Emission never blocks the engine and never fails an operation.
type ActivityService struct {
	queue     jobEnqueuer
	publisher activityPublisher
	audit     auditLogger
	cfg       ActivityConfig
	metrics   *MetricsService
	logger    *zap.Logger
	jobTypes  []string
}

// NewActivityService registers queue handlers for each configured destination. Pass nil for a
// destination that is disabled.
func NewActivityService(queue jobEnqueuer, publisher activityPublisher, audit auditLogger, cfg ActivityConfig, metrics *MetricsService, logger *zap.Logger) *ActivityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "progress.transition"
	}
	svc := &ActivityService{
		queue:     queue,
		publisher: publisher,
		audit:     audit,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
	if queue == nil {
		return svc
	}
	if publisher != nil {
		queue.Handle(JobPublishActivity, svc.handlePublish)
		svc.jobTypes = append(svc.jobTypes, JobPublishActivity)
	}
	if audit != nil {
		queue.Handle(JobAuditActivity, svc.handleAudit)
		svc.jobTypes = append(svc.jobTypes, JobAuditActivity)
	}
	return svc
}

// Emit queues event for every destination.
func (s *ActivityService) Emit(ctx context.Context, event models.TransitionEvent) {
	if s == nil || s.queue == nil {
		return
	}
	origin := requestOriginFrom(ctx)
	if event.RequestID == "" {
		event.RequestID = origin.RequestID
	}
	event.IPAddress = origin.IPAddress
	event.UserAgent = origin.UserAgent

	for _, jobType := range s.jobTypes {
		if err := s.queue.TryEnqueue(jobs.Job{Type: jobType, Payload: event}); err != nil {
			s.metrics.IncActivityDropped()
			s.logger.Warn("activity event dropped",
				zap.String("job_type", jobType),
				zap.String("assignment_id", event.AssignmentID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
	}
}

// History returns the recorded activity of an assignment, newest first.
func (s *ActivityService) History(ctx context.Context, assignmentID string, limit int) ([]models.AuditLog, error) {
	if s == nil || s.audit == nil {
		return nil, appErrors.Clone(appErrors.ErrServiceUnavailable, "activity history is disabled")
	}
	logs, err := s.audit.ListByResource(ctx, models.AuditResourceAssignmentProgress, assignmentID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity history")
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	return logs, nil
}

func (s *ActivityService) handlePublish(ctx context.Context, job jobs.Job) error {
	event, err := eventFromJob(job)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, s.cfg.RoutingKey, event)
}

func (s *ActivityService) handleAudit(ctx context.Context, job jobs.Job) error {
	event, err := eventFromJob(job)
	if err != nil {
		return err
	}
	entry, err := auditEntry(event)
	if err != nil {
		return err
	}
	return s.audit.CreateAuditLog(ctx, entry)
}

func eventFromJob(job jobs.Job) (models.TransitionEvent, error) {
	event, ok := job.Payload.(models.TransitionEvent)
	if !ok {
		return models.TransitionEvent{}, errors.New("activity job payload is not a transition event")
	}
	return event, nil
}

func auditEntry(event models.TransitionEvent) (*models.AuditLog, error) {
	oldValues, err := json.Marshal(map[string]interface{}{"stage": event.FromStage})
	if err != nil {
		return nil, fmt.Errorf("marshal audit old values: %w", err)
	}
	newValues, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal audit new values: %w", err)
	}
	resourceID := event.AssignmentID
	entry := &models.AuditLog{
		ID:         event.ID,
		Action:     string(event.Kind),
		Resource:   models.AuditResourceAssignmentProgress,
		ResourceID: &resourceID,
		OldValues:  oldValues,
		NewValues:  newValues,
		IPAddress:  event.IPAddress,
		UserAgent:  event.UserAgent,
		CreatedAt:  event.OccurredAt,
	}
	if entry.IPAddress == "" {
		entry.IPAddress = "system"
	}
	if entry.UserAgent == "" {
		entry.UserAgent = "progress-engine"
	}
	if event.ActorID != "" {
		actor := event.ActorID
		entry.UserID = &actor
	}
	return entry, nil
}
