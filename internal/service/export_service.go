package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/assignment-progress-api/internal/models"
	appErrors "github.com/noah-isme/assignment-progress-api/pkg/errors"
	"github.com/noah-isme/assignment-progress-api/pkg/export"
)

// Export formats.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

type projectionReader interface {
	GetProjection(ctx context.Context, assignmentID string) (*models.Projection, bool, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// ExportFile is a rendered timeline ready to stream.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ExportService renders assignment timelines as CSV or PDF downloads.
type ExportService struct {
	projections projectionReader
	csv         csvRenderer
	pdf         pdfRenderer
	logger      *zap.Logger
}

// NewExportService constructs an ExportService. Nil renderers fall back to the defaults.
func NewExportService(projections projectionReader, csv csvRenderer, pdf pdfRenderer, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter("assignment-progress-api")
	}
	return &ExportService{projections: projections, csv: csv, pdf: pdf, logger: logger}
}

// ExportTimeline renders the current timeline of an assignment.
func (s *ExportService) ExportTimeline(ctx context.Context, assignmentID, format string) (*ExportFile, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportFormatCSV
	}
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	projection, _, err := s.projections.GetProjection(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	dataset := timelineDataset(projection)

	var body []byte
	contentType := "text/csv"
	if format == ExportFormatPDF {
		contentType = "application/pdf"
		body, err = s.pdf.Render(dataset)
	} else {
		body, err = s.csv.Render(dataset)
	}
	if err != nil {
		s.logger.Error("timeline export failed", zap.String("assignment_id", assignmentID), zap.String("format", format), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render timeline")
	}

	return &ExportFile{
		Filename:    fmt.Sprintf("assignment-%s-progress.%s", sanitizeFilename(assignmentID), format),
		ContentType: contentType,
		Body:        body,
	}, nil
}

func timelineDataset(projection *models.Projection) export.Dataset {
	notes := []string{
		fmt.Sprintf("Current stage: %s", projection.CurrentStage.Label()),
		fmt.Sprintf("Version: %d", projection.Version),
	}
	if projection.IsResit {
		notes = append(notes, "Resit in progress")
	}
	if projection.Marker != "" {
		notes = append(notes, "Status: "+projection.Marker)
	}

	rows := make([]map[string]string, 0, len(projection.Stages))
	for _, entry := range projection.Stages {
		rows = append(rows, map[string]string{
			"#":     fmt.Sprintf("%d", int(entry.Stage)+1),
			"Stage": entry.Label,
			"State": string(entry.State),
			"Date":  entry.Date,
		})
	}

	return export.Dataset{
		Title:   fmt.Sprintf("Assignment %s progress", projection.AssignmentID),
		Notes:   notes,
		Headers: []string{"#", "Stage", "State", "Date"},
		Rows:    rows,
		Highlight: func(row map[string]string) bool {
			return row["State"] == string(models.TimelineFailed)
		},
	}
}

func sanitizeFilename(raw string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, raw)
}
