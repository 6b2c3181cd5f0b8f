package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/assignment-progress-api/internal/dto"
	"github.com/noah-isme/assignment-progress-api/internal/middleware"
	"github.com/noah-isme/assignment-progress-api/internal/models"
	"github.com/noah-isme/assignment-progress-api/internal/service"
	appErrors "github.com/noah-isme/assignment-progress-api/pkg/errors"
	"github.com/noah-isme/assignment-progress-api/pkg/response"
)

type progressService interface {
	Create(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error)
	GetProjection(ctx context.Context, assignmentID string) (*models.Projection, bool, error)
	Project(state *models.ProgressState) models.Projection
	Advance(ctx context.Context, assignmentID string, expected *models.Stage, actorID string) (*models.ProgressState, error)
	DeclareResit(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error)
	DeclareLost(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error)
	Reset(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error)
	MarkUnderProcess(ctx context.Context, assignmentID, actorID string) (*models.ProgressState, error)
	AssignProjectManager(ctx context.Context, assignmentID, projectManagerID, actorID string) (*models.ProgressState, error)
	AssignFreelancer(ctx context.Context, assignmentID, freelancerID, actorID string) (*models.ProgressState, error)
	RecordMarks(ctx context.Context, assignmentID string, category models.MarksCategory, actorID string) (*models.ProgressState, error)
}

type timelineExporter interface {
	ExportTimeline(ctx context.Context, assignmentID, format string) (*service.ExportFile, error)
}

type activityHistory interface {
	History(ctx context.Context, assignmentID string, limit int) ([]models.AuditLog, error)
}

// ProgressHandler exposes the assignment progress engine over HTTP.
type ProgressHandler struct {
	service  progressService
	exporter timelineExporter
	history  activityHistory
	validate *validator.Validate
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// NewProgressHandler constructs the handler.
func NewProgressHandler(service progressService, exporter timelineExporter, history activityHistory) *ProgressHandler {
	return &ProgressHandler{service: service, exporter: exporter, history: history, validate: validator.New()}
}

// Create godoc
// @Summary Create progress for a posted assignment
// @Tags Progress
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assignments/{id}/progress [post]
func (h *ProgressHandler) Create(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	state, err := h.service.Create(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.respond(c, http.StatusCreated, state)
}

// Get godoc
// @Summary Get the progress timeline of an assignment
// @Tags Progress
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /assignments/{id}/progress [get]
func (h *ProgressHandler) Get(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	projection, hit, err := h.service.GetProjection(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	c.Header("X-Progress-Version", strconv.FormatInt(projection.Version, 10))
	response.JSON(c, http.StatusOK, projection, middleware.ExtractMeta(c))
}

// Advance godoc
// @Summary Advance an assignment to its next stage
// @Tags Progress
// @Accept json
// @Produce json
// @Param id path string true "Assignment ID"
// @Param payload body dto.AdvanceProgressRequest false "Expected current stage"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 423 {object} response.Envelope
// @Router /assignments/{id}/progress/advance [post]
func (h *ProgressHandler) Advance(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req dto.AdvanceProgressRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid advance payload"))
			return
		}
	}
	state, err := h.service.Advance(c.Request.Context(), c.Param("id"), req.ExpectedStage, actorID(c))
	h.finish(c, state, err)
}

// DeclareResit godoc
// @Summary Declare a resit for a failed assignment
// @Tags Progress
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Router /assignments/{id}/progress/resit [post]
func (h *ProgressHandler) DeclareResit(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	state, err := h.service.DeclareResit(c.Request.Context(), c.Param("id"), actorID(c))
	h.finish(c, state, err)
}

// DeclareLost godoc
// @Summary Mark an assignment as lost
// @Tags Progress
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Router /assignments/{id}/progress/lost [post]
func (h *ProgressHandler) DeclareLost(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	state, err := h.service.DeclareLost(c.Request.Context(), c.Param("id"), actorID(c))
	h.finish(c, state, err)
}

// Reset godoc
// @Summary Rewind an assignment and unassign its freelancers
// @Tags Progress
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /assignments/{id}/progress/reset [post]
func (h *ProgressHandler) Reset(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	state, err := h.service.Reset(c.Request.Context(), c.Param("id"), actorID(c))
	h.finish(c, state, err)
}

// MarkUnderProcess godoc
// @Summary Start work on a posted assignment
// @Tags Progress
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Router /assignments/{id}/progress/under-process [post]
func (h *ProgressHandler) MarkUnderProcess(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	state, err := h.service.MarkUnderProcess(c.Request.Context(), c.Param("id"), actorID(c))
	h.finish(c, state, err)
}

// AssignProjectManager godoc
// @Summary Assign a project manager
// @Tags Progress
// @Accept json
// @Produce json
// @Param id path string true "Assignment ID"
// @Param payload body dto.AssignProjectManagerRequest true "Project manager"
// @Success 200 {object} response.Envelope
// @Router /assignments/{id}/progress/project-manager [post]
func (h *ProgressHandler) AssignProjectManager(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req dto.AssignProjectManagerRequest
	if !h.bind(c, &req, "invalid project manager payload") {
		return
	}
	state, err := h.service.AssignProjectManager(c.Request.Context(), c.Param("id"), req.ProjectManagerID, actorID(c))
	h.finish(c, state, err)
}

// AssignFreelancer godoc
// @Summary Assign a freelancer
// @Tags Progress
// @Accept json
// @Produce json
// @Param id path string true "Assignment ID"
// @Param payload body dto.AssignFreelancerRequest true "Freelancer"
// @Success 200 {object} response.Envelope
// @Router /assignments/{id}/progress/freelancers [post]
func (h *ProgressHandler) AssignFreelancer(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req dto.AssignFreelancerRequest
	if !h.bind(c, &req, "invalid freelancer payload") {
		return
	}
	state, err := h.service.AssignFreelancer(c.Request.Context(), c.Param("id"), req.FreelancerID, actorID(c))
	h.finish(c, state, err)
}

// RecordMarks godoc
// @Summary Record marks for an assignment
// @Tags Marks
// @Accept json
// @Produce json
// @Param id path string true "Assignment ID"
// @Param payload body dto.RecordMarksRequest true "Marks"
// @Success 200 {object} response.Envelope
// @Router /assignments/{id}/marks [post]
func (h *ProgressHandler) RecordMarks(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req dto.RecordMarksRequest
	if !h.bind(c, &req, "invalid marks payload") {
		return
	}
	state, err := h.service.RecordMarks(c.Request.Context(), c.Param("id"), models.MarksCategory(req.Category), actorID(c))
	h.finish(c, state, err)
}

// Export godoc
// @Summary Download the progress timeline
// @Tags Progress
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Assignment ID"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /assignments/{id}/progress/export [get]
func (h *ProgressHandler) Export(c *gin.Context) {
	if h.exporter == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "export service not configured"))
		return
	}
	var query dto.ExportProgressQuery
	if err := c.ShouldBindQuery(&query); err != nil || h.validate.Struct(query) != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf"))
		return
	}
	file, err := h.exporter.ExportTimeline(c.Request.Context(), c.Param("id"), query.Format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.File(c, file.ContentType, file.Filename, file.Body)
}

// History godoc
// @Summary List recorded progress activity
// @Tags Progress
// @Produce json
// @Param id path string true "Assignment ID"
// @Param limit query int false "Maximum entries (default 50, at most 200)"
// @Success 200 {object} response.Envelope
// @Router /assignments/{id}/progress/history [get]
func (h *ProgressHandler) History(c *gin.Context) {
	if h.history == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrServiceUnavailable, "activity history is disabled"))
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	logs, err := h.history.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, map[string]interface{}{"count": len(logs)})
}

func (h *ProgressHandler) ready(c *gin.Context) bool {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "progress service not configured"))
		return false
	}
	return true
}

func (h *ProgressHandler) bind(c *gin.Context, req interface{}, message string) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, message))
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message))
		return false
	}
	return true
}

func (h *ProgressHandler) finish(c *gin.Context, state *models.ProgressState, err error) {
	if err != nil {
		response.Error(c, err)
		return
	}
	h.respond(c, http.StatusOK, state)
}

func (h *ProgressHandler) respond(c *gin.Context, status int, state *models.ProgressState) {
	projection := h.service.Project(state)
	c.Header("X-Progress-Version", strconv.FormatInt(state.Version, 10))
	response.JSON(c, status, projection, middleware.ExtractMeta(c))
}
