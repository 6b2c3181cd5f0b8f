package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/assignment-progress-api/internal/models"
	"github.com/noah-isme/assignment-progress-api/internal/repository"
	appErrors "github.com/noah-isme/assignment-progress-api/pkg/errors"
	"github.com/noah-isme/assignment-progress-api/pkg/lock"
)

const (
	projectionCachePrefix = "progress:projection:"
	maxAssignmentIDLength = 128
)

// Operation names used in logs and metrics.
const (
	opCreate               = "create"
	opAdvance              = "advance"
	opDeclareResit         = "declare_resit"
	opDeclareLost          = "declare_lost"
	opReset                = "reset"
	opMarkUnderProcess     = "mark_under_process"
	opAssignProjectManager = "assign_project_manager"
	opAssignFreelancer     = "assign_freelancer"
	opRecordMarks          = "record_marks"
)

type progressStore interface {
	Create(ctx context.Context, state *models.ProgressState) error
	Get(ctx context.Context, assignmentID string) (*models.ProgressState, error)
	Update(ctx context.Context, state *models.ProgressState, expectedVersion int64) error
}

type marksRegistry interface {
	Get(ctx context.Context, assignmentID string) (*models.AssignmentMarks, error)
	Record(ctx context.Context, marks *models.AssignmentMarks) error
	Clear(ctx context.Context, assignmentID string) error
}

type freelancerRegistry interface {
	Assign(ctx context.Context, assignmentID, freelancerID string) error
	ListActive(ctx context.Context, assignmentID string) ([]models.AssignmentFreelancer, error)
	Unassign(ctx context.Context, assignmentID, freelancerID string) error
}

// unitOfWork runs the registry writes and the progress write of one operation atomically.
type unitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type projectionCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

type activitySink interface {
	Emit(ctx context.Context, event models.TransitionEvent)
}

// ProgressServiceOption configures the service.
type ProgressServiceOption func(*ProgressService)

// WithProjectionCache enables projection caching.
func WithProjectionCache(cache projectionCache, ttl time.Duration) ProgressServiceOption {
	return func(s *ProgressService) {
		s.cache = cache
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithUnitOfWork makes each operation commit its registry and progress writes together.
func WithUnitOfWork(uow unitOfWork) ProgressServiceOption {
	return func(s *ProgressService) {
		if uow != nil {
			s.tx = uow
		}
	}
}

// WithActivitySink routes transition events to sink.
func WithActivitySink(sink activitySink) ProgressServiceOption {
	return func(s *ProgressService) {
		s.activity = sink
	}
}

// WithProgressMetrics records operation metrics.
func WithProgressMetrics(metrics *MetricsService) ProgressServiceOption {
	return func(s *ProgressService) {
		s.metrics = metrics
	}
}

// WithProgressClock overrides the time source.
func WithProgressClock(clock func() time.Time) ProgressServiceOption {
	return func(s *ProgressService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLockTimeout bounds how long an operation waits for its assignment lock.
func WithLockTimeout(timeout time.Duration) ProgressServiceOption {
	return func(s *ProgressService) {
		if timeout > 0 {
			s.lockTimeout = timeout
		}
	}
}

// WithTimelineProjector overrides the projector, e.g. to change the date layout.
func WithTimelineProjector(projector *TimelineProjector) ProgressServiceOption {
	return func(s *ProgressService) {
		if projector != nil {
			s.projector = projector
		}
	}
}

// ProgressService is the status engine: the only writer of assignment progress state.
type ProgressService struct {
	store       progressStore
	marks       marksRegistry
	freelancers freelancerRegistry
	locker      lock.Locker
	tx          unitOfWork
	cache       projectionCache
	activity    activitySink
	projector   *TimelineProjector
	metrics     *MetricsService
	logger      *zap.Logger
	clock       func() time.Time
	lockTimeout time.Duration
	cacheTTL    time.Duration
}

// NewProgressService constructs the engine. A nil locker falls back to an in-process keyed mutex.
func NewProgressService(store progressStore, marks marksRegistry, freelancers freelancerRegistry, locker lock.Locker, logger *zap.Logger, opts ...ProgressServiceOption) *ProgressService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	svc := &ProgressService{
		store:       store,
		marks:       marks,
		freelancers: freelancers,
		locker:      locker,
		tx:          directUnitOfWork{},
		projector:   NewTimelineProjector(""),
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
		lockTimeout: 5 * time.Second,
		cacheTTL:    5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// transition mutates next in place. It returns the transition kind, or an empty kind when the
// call is a no-op that must not be persisted.
type transition func(ctx context.Context, next *models.ProgressState, now time.Time) (models.TransitionKind, error)

// Create registers the initial progress state for a newly posted assignment.
func (s *ProgressService) Create(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error) {
	if err := validateAssignmentID(assignmentID); err != nil {
		return nil, err
	}
	unlock, err := s.acquire(ctx, assignmentID)
	if err != nil {
		s.metrics.ObserveTransition(opCreate, "", resultOf(err))
		return nil, err
	}
	defer unlock()

	state := models.NewProgressState(assignmentID, s.clock())
	if err := s.store.Create(ctx, state); err != nil {
		if errors.Is(err, repository.ErrProgressExists) {
			err = appErrors.Clone(appErrors.ErrConflict, "progress already exists for assignment")
		} else {
			err = appErrors.WrapAs(appErrors.ErrPersistenceFailure, err, "")
		}
		s.metrics.ObserveTransition(opCreate, "", resultOf(err))
		return nil, err
	}

	s.invalidate(ctx, assignmentID)
	s.metrics.ObserveTransition(opCreate, models.TransitionCreate, ResultOK)
	s.emit(ctx, models.TransitionCreate, nil, state, actorID)
	s.logger.Info("progress created", zap.String("assignment_id", assignmentID))
	return state, nil
}

// Get returns the stored state.
func (s *ProgressService) Get(ctx context.Context, assignmentID string) (*models.ProgressState, error) {
	if err := validateAssignmentID(assignmentID); err != nil {
		return nil, err
	}
	return s.load(ctx, assignmentID)
}

// Project derives the timeline of state.
func (s *ProgressService) Project(state *models.ProgressState) models.Projection {
	return s.projector.Project(state)
}

// GetProjection returns the timeline of an assignment and whether it was served from cache.
func (s *ProgressService) GetProjection(ctx context.Context, assignmentID string) (*models.Projection, bool, error) {
	if err := validateAssignmentID(assignmentID); err != nil {
		return nil, false, err
	}
	key := projectionKey(assignmentID)
	if s.cache != nil {
		var cached models.Projection
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return &cached, true, nil
		}
	}

	if s.cache == nil {
		state, err := s.load(ctx, assignmentID)
		if err != nil {
			return nil, false, err
		}
		projection := s.projector.Project(state)
		return &projection, false, nil
	}

	// Filled under the assignment lock; mutations invalidate under the same lock.
	unlock, err := s.acquire(ctx, assignmentID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	state, err := s.load(ctx, assignmentID)
	if err != nil {
		return nil, false, err
	}
	projection := s.projector.Project(state)
	if err := s.cache.Set(ctx, key, projection, s.cacheTTL); err != nil {
		s.logger.Warn("projection cache fill failed", zap.String("assignment_id", assignmentID), zap.Error(err))
	}
	return &projection, false, nil
}

// Advance moves the assignment to its next stage. When the assignment already moved past the
// expected stage, the call succeeds without changes so retried requests never advance twice.
// Without an explicit expectation the stage observed before taking the lock is expected.
func (s *ProgressService) Advance(ctx context.Context, assignmentID string, expected *models.Stage, actorID string) (*models.ProgressState, error) {
	if expected != nil && !expected.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown expected stage")
	}
	if expected == nil {
		if err := validateAssignmentID(assignmentID); err != nil {
			return nil, err
		}
		observed, err := s.load(ctx, assignmentID)
		if err != nil {
			s.metrics.ObserveTransition(opAdvance, "", resultOf(err))
			return nil, err
		}
		stage := observed.CurrentStage
		expected = &stage
	}
	return s.mutate(ctx, opAdvance, assignmentID, actorID, func(ctx context.Context, next *models.ProgressState, now time.Time) (models.TransitionKind, error) {
		if expected != nil && !next.IsResit {
			if next.CurrentStage > *expected {
				return "", nil
			}
			if next.CurrentStage < *expected {
				return "", appErrors.Clone(appErrors.ErrInvalidTransition, "assignment has not reached the expected stage")
			}
		}
		if err := s.syncMarks(ctx, next); err != nil {
			return "", err
		}
		step, err := resolveAdvance(next)
		if err != nil {
			return "", err
		}
		applyAdvance(next, step, now)
		return step.kind, nil
	})
}

// DeclareResit opens a resit cycle. The timeline is truncated at the failure point until the
// resit completes. Repeated calls re-stamp the declaration time.
func (s *ProgressService) DeclareResit(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error) {
	return s.mutate(ctx, opDeclareResit, assignmentID, actorID, func(_ context.Context, next *models.ProgressState, now time.Time) (models.TransitionKind, error) {
		next.IsResit = true
		next.IsLost = false
		next.LostDeclaredAt = nil
		next.CurrentStage = models.StagePosted
		next.ResitDeclaredAt = &now
		return models.TransitionDeclareResit, nil
	})
}

// DeclareLost marks the assignment as abandoned. No forward transition succeeds afterwards.
func (s *ProgressService) DeclareLost(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error) {
	return s.mutate(ctx, opDeclareLost, assignmentID, actorID, func(_ context.Context, next *models.ProgressState, now time.Time) (models.TransitionKind, error) {
		next.IsLost = true
		next.IsResit = false
		next.ResitDeclaredAt = nil
		if next.LostDeclaredAt == nil {
			next.LostDeclaredAt = &now
		}
		return models.TransitionDeclareLost, nil
	})
}

// Reset rewinds the assignment to an unstarted state, unassigns every active freelancer and
// clears the marks. Nothing is kept when any of these writes fails.
func (s *ProgressService) Reset(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error) {
	return s.mutate(ctx, opReset, assignmentID, actorID, func(ctx context.Context, next *models.ProgressState, _ time.Time) (models.TransitionKind, error) {
		if s.freelancers != nil {
			active, err := s.freelancers.ListActive(ctx, assignmentID)
			if err != nil {
				return "", appErrors.WrapAs(appErrors.ErrPersistenceFailure, err, "failed to list assigned freelancers")
			}
			for _, link := range active {
				if err := s.freelancers.Unassign(ctx, assignmentID, link.FreelancerID); err != nil {
					return "", appErrors.WrapAs(appErrors.ErrPersistenceFailure, err, "failed to unassign freelancer")
				}
				s.logger.Info("freelancer unassigned",
					zap.String("assignment_id", assignmentID),
					zap.String("freelancer_id", link.FreelancerID))
			}
		}
		if s.marks != nil {
			if err := s.marks.Clear(ctx, assignmentID); err != nil {
				return "", appErrors.WrapAs(appErrors.ErrPersistenceFailure, err, "failed to clear marks")
			}
		}
		next.Rewind()
		return models.TransitionReset, nil
	})
}

// MarkUnderProcess starts work on a posted assignment.
func (s *ProgressService) MarkUnderProcess(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error) {
	return s.mutate(ctx, opMarkUnderProcess, assignmentID, actorID, func(_ context.Context, next *models.ProgressState, now time.Time) (models.TransitionKind, error) {
		if err := requireOpen(next); err != nil {
			return "", err
		}
		if err := requireStage(next, models.StagePosted); err != nil {
			return "", err
		}
		backfillPosted(next, now)
		next.Enter(models.StageUnderProcess, now)
		return models.TransitionMarkUnderProcess, nil
	})
}

// AssignProjectManager hands the assignment to a project manager. At later stages it only
// replaces the project manager.
func (s *ProgressService) AssignProjectManager(ctx context.Context, assignmentID, projectManagerID, actorID string) (*models.ProgressState, error) {
	pm := strings.TrimSpace(projectManagerID)
	if pm == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "project manager is required")
	}
	return s.mutate(ctx, opAssignProjectManager, assignmentID, actorID, func(_ context.Context, next *models.ProgressState, now time.Time) (models.TransitionKind, error) {
		if err := requireOpen(next); err != nil {
			return "", err
		}
		if next.CurrentStage < models.StageUnderProcess {
			return "", requireStage(next, models.StageUnderProcess)
		}
		next.ProjectManagerID = &pm
		if next.CurrentStage == models.StageUnderProcess {
			backfillPosted(next, now)
			next.Enter(models.StageAssignedToPM, now)
		}
		return models.TransitionAssignProjectManager, nil
	})
}

// AssignFreelancer registers a freelancer on the assignment, moving it to AssignedToFreelancer
// when it was waiting on one.
func (s *ProgressService) AssignFreelancer(ctx context.Context, assignmentID, freelancerID, actorID string) (*models.ProgressState, error) {
	freelancer := strings.TrimSpace(freelancerID)
	if freelancer == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "freelancer is required")
	}
	if s.freelancers == nil {
		return nil, appErrors.Clone(appErrors.ErrServiceUnavailable, "freelancer registry not configured")
	}
	return s.mutate(ctx, opAssignFreelancer, assignmentID, actorID, func(ctx context.Context, next *models.ProgressState, now time.Time) (models.TransitionKind, error) {
		if err := requireOpen(next); err != nil {
			return "", err
		}
		if next.CurrentStage < models.StageAssignedToPM {
			return "", requireStage(next, models.StageAssignedToPM)
		}
		if err := s.freelancers.Assign(ctx, assignmentID, freelancer); err != nil {
			return "", appErrors.WrapAs(appErrors.ErrPersistenceFailure, err, "failed to assign freelancer")
		}
		if next.CurrentStage == models.StageAssignedToPM {
			backfillPosted(next, now)
			next.Enter(models.StageAssignedToFreelancer, now)
		}
		return models.TransitionAssignFreelancer, nil
	})
}

// RecordMarks writes the grading outcome to the Marks Registry and mirrors it on the state.
func (s *ProgressService) RecordMarks(ctx context.Context, assignmentID string, category models.MarksCategory, actorID string) (*models.ProgressState, error) {
	if !category.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "marks category must be PASS or FAIL")
	}
	if s.marks == nil {
		return nil, appErrors.Clone(appErrors.ErrServiceUnavailable, "marks registry not configured")
	}
	return s.mutate(ctx, opRecordMarks, assignmentID, actorID, func(ctx context.Context, next *models.ProgressState, now time.Time) (models.TransitionKind, error) {
		if err := marksAllowed(next, category); err != nil {
			return "", err
		}
		record := &models.AssignmentMarks{
			AssignmentID: assignmentID,
			Category:     category,
			RecordedBy:   actorID,
			RecordedAt:   now,
		}
		if err := s.marks.Record(ctx, record); err != nil {
			return "", appErrors.WrapAs(appErrors.ErrPersistenceFailure, err, "failed to record marks")
		}
		next.MarksAdded = true
		next.MarksCategory = &category
		return models.TransitionRecordMarks, nil
	})
}

func (s *ProgressService) mutate(ctx context.Context, op, assignmentID, actorID string, apply transition) (*models.ProgressState, error) {
	if err := validateAssignmentID(assignmentID); err != nil {
		return nil, err
	}
	unlock, err := s.acquire(ctx, assignmentID)
	if err != nil {
		s.metrics.ObserveTransition(op, "", resultOf(err))
		return nil, err
	}
	defer unlock()

	current, err := s.load(ctx, assignmentID)
	if err != nil {
		s.metrics.ObserveTransition(op, "", resultOf(err))
		return nil, err
	}

	now := s.clock().UTC()
	next := current.Clone()
	var (
		kind     models.TransitionKind
		rejected bool
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var applyErr error
		kind, applyErr = apply(ctx, next, now)
		if applyErr != nil {
			rejected = true
			return applyErr
		}
		if kind == "" {
			return nil
		}
		next.Version = current.Version + 1
		next.UpdatedAt = now
		return s.store.Update(ctx, next, current.Version)
	})
	if err != nil && rejected {
		s.metrics.ObserveTransition(op, "", resultOf(err))
		s.logger.Info("progress operation rejected",
			zap.String("operation", op),
			zap.String("assignment_id", assignmentID),
			zap.String("stage", current.CurrentStage.String()),
			zap.Error(err))
		return nil, err
	}
	if err != nil {
		err = writeError(err)
		s.metrics.ObserveTransition(op, kind, resultOf(err))
		s.logger.Error("progress write failed",
			zap.String("operation", op),
			zap.String("assignment_id", assignmentID),
			zap.Error(err))
		return nil, err
	}
	if kind == "" {
		s.metrics.ObserveTransition(op, "", ResultNoop)
		return current, nil
	}

	s.invalidate(ctx, assignmentID)
	s.metrics.ObserveTransition(op, kind, ResultOK)
	s.emit(ctx, kind, current, next, actorID)
	s.logger.Info("progress transition",
		zap.String("assignment_id", assignmentID),
		zap.String("kind", string(kind)),
		zap.String("from", current.CurrentStage.String()),
		zap.String("to", next.CurrentStage.String()),
		zap.Int64("version", next.Version))
	return next, nil
}

func (s *ProgressService) acquire(ctx context.Context, assignmentID string) (lock.Unlock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	start := time.Now()
	unlock, err := s.locker.Lock(lockCtx, assignmentID)
	s.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, appErrors.Wrap(ctx.Err(), appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "request cancelled while waiting for assignment lock")
		}
		return nil, appErrors.WrapAs(appErrors.ErrServiceUnavailable, err, "timed out waiting for assignment lock")
	}
	return unlock, nil
}

func (s *ProgressService) load(ctx context.Context, assignmentID string) (*models.ProgressState, error) {
	state, err := s.store.Get(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "assignment progress not found")
		}
		return nil, appErrors.WrapAs(appErrors.ErrPersistenceFailure, err, "failed to load progress state")
	}
	return state, nil
}

// syncMarks refreshes the marks mirror from the Marks Registry.
func (s *ProgressService) syncMarks(ctx context.Context, state *models.ProgressState) error {
	if s.marks == nil {
		return nil
	}
	marks, err := s.marks.Get(ctx, state.AssignmentID)
	if err != nil {
		return appErrors.WrapAs(appErrors.ErrPersistenceFailure, err, "failed to read marks")
	}
	if marks == nil {
		state.MarksAdded = false
		state.MarksCategory = nil
		return nil
	}
	category := marks.Category
	state.MarksAdded = true
	state.MarksCategory = &category
	return nil
}

func (s *ProgressService) invalidate(ctx context.Context, assignmentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, projectionKey(assignmentID)); err != nil {
		s.logger.Warn("projection cache invalidation failed", zap.String("assignment_id", assignmentID), zap.Error(err))
	}
}

func (s *ProgressService) emit(ctx context.Context, kind models.TransitionKind, from, to *models.ProgressState, actorID string) {
	if s.activity == nil {
		return
	}
	fromStage := to.CurrentStage
	if from != nil {
		fromStage = from.CurrentStage
	}
	s.activity.Emit(ctx, models.TransitionEvent{
		ID:           uuid.NewString(),
		AssignmentID: to.AssignmentID,
		Kind:         kind,
		FromStage:    fromStage,
		ToStage:      to.CurrentStage,
		StageLabel:   to.CurrentStage.Label(),
		ActorID:      actorID,
		IsResit:      to.IsResit,
		IsLost:       to.IsLost,
		Version:      to.Version,
		OccurredAt:   to.UpdatedAt,
	})
}

// writeError maps a failed write of the progress row or its transaction.
func writeError(err error) error {
	var appErr *appErrors.Error
	switch {
	case errors.Is(err, repository.ErrVersionConflict):
		return appErrors.WrapAs(appErrors.ErrConcurrentModification, err, "")
	case errors.As(err, &appErr):
		return err
	default:
		return appErrors.WrapAs(appErrors.ErrPersistenceFailure, err, "")
	}
}

// directUnitOfWork runs operations without a shared transaction.
type directUnitOfWork struct{}

func (directUnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func projectionKey(assignmentID string) string {
	return projectionCachePrefix + assignmentID
}

func validateAssignmentID(assignmentID string) error {
	trimmed := strings.TrimSpace(assignmentID)
	if trimmed == "" || trimmed != assignmentID {
		return appErrors.Clone(appErrors.ErrValidation, "invalid assignment id")
	}
	if len(assignmentID) > maxAssignmentIDLength {
		return appErrors.Clone(appErrors.ErrValidation, "assignment id too long")
	}
	return nil
}

func resultOf(err error) string {
	if err == nil {
		return ResultOK
	}
	return strings.ToLower(appErrors.FromError(err).Code)
}
