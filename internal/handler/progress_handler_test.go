package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/assignment-progress-api/internal/middleware"
	"github.com/noah-isme/assignment-progress-api/internal/models"
	"github.com/noah-isme/assignment-progress-api/internal/service"
	appErrors "github.com/noah-isme/assignment-progress-api/pkg/errors"
)

type progressServiceMock struct {
	state      *models.ProgressState
	err        error
	projection *models.Projection
	hit        bool

	lastID       string
	lastActor    string
	lastExpected *models.Stage
	lastPM       string
	lastFL       string
	lastMarks    models.MarksCategory
	calls        []string
}

func (m *progressServiceMock) record(op, id, actor string) (*models.ProgressState, error) {
	m.calls = append(m.calls, op)
	m.lastID = id
	m.lastActor = actor
	return m.state, m.err
}

func (m *progressServiceMock) Create(_ context.Context, id, actor string) (*models.ProgressState, error) {
	return m.record("create", id, actor)
}

func (m *progressServiceMock) GetProjection(_ context.Context, id string) (*models.Projection, bool, error) {
	m.calls = append(m.calls, "projection")
	m.lastID = id
	return m.projection, m.hit, m.err
}

func (m *progressServiceMock) Project(state *models.ProgressState) models.Projection {
	return service.NewTimelineProjector("").Project(state)
}

func (m *progressServiceMock) Advance(_ context.Context, id string, expected *models.Stage, actor string) (*models.ProgressState, error) {
	m.lastExpected = expected
	return m.record("advance", id, actor)
}

func (m *progressServiceMock) DeclareResit(_ context.Context, id, actor string) (*models.ProgressState, error) {
	return m.record("resit", id, actor)
}

func (m *progressServiceMock) DeclareLost(_ context.Context, id, actor string) (*models.ProgressState, error) {
	return m.record("lost", id, actor)
}

func (m *progressServiceMock) Reset(_ context.Context, id, actor string) (*models.ProgressState, error) {
	return m.record("reset", id, actor)
}

func (m *progressServiceMock) MarkUnderProcess(_ context.Context, id, actor string) (*models.ProgressState, error) {
	return m.record("under-process", id, actor)
}

func (m *progressServiceMock) AssignProjectManager(_ context.Context, id, pm, actor string) (*models.ProgressState, error) {
	m.lastPM = pm
	return m.record("pm", id, actor)
}

func (m *progressServiceMock) AssignFreelancer(_ context.Context, id, fl, actor string) (*models.ProgressState, error) {
	m.lastFL = fl
	return m.record("freelancer", id, actor)
}

func (m *progressServiceMock) RecordMarks(_ context.Context, id string, category models.MarksCategory, actor string) (*models.ProgressState, error) {
	m.lastMarks = category
	return m.record("marks", id, actor)
}

type exporterMock struct {
	file       *service.ExportFile
	err        error
	lastFormat string
}

func (m *exporterMock) ExportTimeline(_ context.Context, _ string, format string) (*service.ExportFile, error) {
	m.lastFormat = format
	return m.file, m.err
}

type historyMock struct {
	logs      []models.AuditLog
	lastLimit int
}

func (m *historyMock) History(_ context.Context, _ string, limit int) ([]models.AuditLog, error) {
	m.lastLimit = limit
	return m.logs, nil
}

func newProgressContext(method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, target, nil)
	} else {
		req, _ = http.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "asg-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func sampleState(stage models.Stage) *models.ProgressState {
	state := models.NewProgressState("asg-1", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	for s := models.StageUnderProcess; s <= stage; s++ {
		state.Reach(s, time.Date(2024, 3, 1+int(s), 8, 0, 0, 0, time.UTC))
	}
	state.Version = 4
	return state
}

func TestProgressHandlerCreate(t *testing.T) {
	svc := &progressServiceMock{state: sampleState(models.StagePosted)}
	h := NewProgressHandler(svc, nil, nil)

	c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/progress", "")
	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "asg-1", svc.lastID)
	assert.Equal(t, "admin-1", svc.lastActor)
	assert.Equal(t, "4", w.Header().Get("X-Progress-Version"))

	var projection models.Projection
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w)["data"], &projection))
	require.Len(t, projection.Stages, models.StageCount)
	assert.Equal(t, models.TimelineDone, projection.Stages[0].State)
	assert.Equal(t, models.TimelineOngoing, projection.Stages[1].State)
}

func TestProgressHandlerCreateConflict(t *testing.T) {
	svc := &progressServiceMock{err: appErrors.Clone(appErrors.ErrConflict, "progress already exists")}
	h := NewProgressHandler(svc, nil, nil)

	c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/progress", "")
	h.Create(c)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProgressHandlerGetReportsCacheHit(t *testing.T) {
	svc := &progressServiceMock{
		projection: &models.Projection{AssignmentID: "asg-1", Version: 7},
		hit:        true,
	}
	h := NewProgressHandler(svc, nil, nil)

	c, w := newProgressContext(http.MethodGet, "/assignments/asg-1/progress", "")
	middleware.WithResponseMeta()(c)
	h.Get(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "7", w.Header().Get("X-Progress-Version"))
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w)["meta"], &meta))
	assert.Equal(t, true, meta["cache_hit"])
}

func TestProgressHandlerGetNotFound(t *testing.T) {
	svc := &progressServiceMock{err: appErrors.ErrNotFound}
	h := NewProgressHandler(svc, nil, nil)

	c, w := newProgressContext(http.MethodGet, "/assignments/asg-1/progress", "")
	h.Get(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProgressHandlerAdvanceWithoutBody(t *testing.T) {
	svc := &progressServiceMock{state: sampleState(models.StageCompleted)}
	h := NewProgressHandler(svc, nil, nil)

	c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/progress/advance", "")
	h.Advance(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, svc.lastExpected)
	assert.Equal(t, []string{"advance"}, svc.calls)
}

func TestProgressHandlerAdvanceWithExpectedStage(t *testing.T) {
	svc := &progressServiceMock{state: sampleState(models.StageCompleted)}
	h := NewProgressHandler(svc, nil, nil)

	c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/progress/advance", `{"expectedStage":"COMPLETED_MARKS_NOT_RECEIVED"}`)
	h.Advance(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.lastExpected)
	assert.Equal(t, models.StageCompletedMarksNotReceived, *svc.lastExpected)
}

func TestProgressHandlerAdvanceRejectsUnknownStage(t *testing.T) {
	svc := &progressServiceMock{}
	h := NewProgressHandler(svc, nil, nil)

	c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/progress/advance", `{"expectedStage":"ARCHIVED"}`)
	h.Advance(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.calls)
}

func TestProgressHandlerErrorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid transition", appErrors.ErrInvalidTransition, http.StatusConflict},
		{"locked", appErrors.ErrLocked, http.StatusLocked},
		{"persistence", appErrors.WrapAs(appErrors.ErrPersistenceFailure, errors.New("db down"), ""), http.StatusServiceUnavailable},
		{"concurrent", appErrors.ErrConcurrentModification, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewProgressHandler(&progressServiceMock{err: tc.err}, nil, nil)
			c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/progress/lost", "")
			h.DeclareLost(c)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestProgressHandlerLifecycleRoutes(t *testing.T) {
	svc := &progressServiceMock{state: sampleState(models.StagePosted)}
	h := NewProgressHandler(svc, nil, nil)

	routes := []func(*gin.Context){h.MarkUnderProcess, h.DeclareResit, h.DeclareLost, h.Reset}
	for _, route := range routes {
		c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/progress", "")
		route(c)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, []string{"under-process", "resit", "lost", "reset"}, svc.calls)
}

func TestProgressHandlerAssignments(t *testing.T) {
	svc := &progressServiceMock{state: sampleState(models.StageAssignedToFreelancer)}
	h := NewProgressHandler(svc, nil, nil)

	c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/progress/project-manager", `{"projectManagerId":"pm-9"}`)
	h.AssignProjectManager(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pm-9", svc.lastPM)

	c, w = newProgressContext(http.MethodPost, "/assignments/asg-1/progress/freelancers", `{"freelancerId":"fl-3"}`)
	h.AssignFreelancer(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fl-3", svc.lastFL)

	c, w = newProgressContext(http.MethodPost, "/assignments/asg-1/progress/freelancers", `{}`)
	h.AssignFreelancer(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProgressHandlerRecordMarksValidation(t *testing.T) {
	svc := &progressServiceMock{state: sampleState(models.StageCompletedMarksNotReceived)}
	h := NewProgressHandler(svc, nil, nil)

	c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/marks", `{"category":"MERIT"}`)
	h.RecordMarks(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.calls)

	c, w = newProgressContext(http.MethodPost, "/assignments/asg-1/marks", `{"category":"FAIL"}`)
	h.RecordMarks(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.MarksFail, svc.lastMarks)
}

func TestProgressHandlerExport(t *testing.T) {
	exporter := &exporterMock{file: &service.ExportFile{
		Filename:    "assignment-asg-1-progress.csv",
		ContentType: "text/csv",
		Body:        []byte("#,Stage,State,Date\n"),
	}}
	h := NewProgressHandler(&progressServiceMock{}, exporter, nil)

	c, w := newProgressContext(http.MethodGet, "/assignments/asg-1/progress/export?format=csv", "")
	h.Export(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "csv", exporter.lastFormat)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "assignment-asg-1-progress.csv")
	assert.Equal(t, "#,Stage,State,Date\n", w.Body.String())

	c, w = newProgressContext(http.MethodGet, "/assignments/asg-1/progress/export?format=xlsx", "")
	h.Export(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProgressHandlerHistory(t *testing.T) {
	history := &historyMock{logs: []models.AuditLog{{ID: "evt-1", Action: "ADVANCE"}}}
	h := NewProgressHandler(&progressServiceMock{}, nil, history)

	c, w := newProgressContext(http.MethodGet, "/assignments/asg-1/progress/history?limit=10", "")
	h.History(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, history.lastLimit)

	c, w = newProgressContext(http.MethodGet, "/assignments/asg-1/progress/history?limit=100000000", "")
	h.History(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 200, history.lastLimit)

	c, w = newProgressContext(http.MethodGet, "/assignments/asg-1/progress/history", "")
	h.History(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, history.lastLimit)

	c, w = newProgressContext(http.MethodGet, "/assignments/asg-1/progress/history?limit=-1", "")
	h.History(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	disabled := NewProgressHandler(&progressServiceMock{}, nil, nil)
	c, w = newProgressContext(http.MethodGet, "/assignments/asg-1/progress/history", "")
	disabled.History(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProgressHandlerWithoutService(t *testing.T) {
	h := NewProgressHandler(nil, nil, nil)
	c, w := newProgressContext(http.MethodPost, "/assignments/asg-1/progress/advance", "")
	h.Advance(c)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMetricsHandlerReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMetricsHandler(service.NewMetricsService(), map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/ready", nil)
	h.Ready(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
