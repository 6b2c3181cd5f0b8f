package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

const pdfTableWidth = 190.0

// PDFExporter renders datasets into a single-table A4 document.
type PDFExporter struct {
	author string
}

// NewPDFExporter constructs a PDF exporter. author is written to the document metadata.
func NewPDFExporter(author string) *PDFExporter {
	return &PDFExporter{author: author}
}

// Render creates a PDF with the dataset title, notes and table.
func (e *PDFExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	if data.Title != "" {
		pdf.SetTitle(data.Title, true)
	}
	if e.author != "" {
		pdf.SetAuthor(e.author, true)
	}
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	if data.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, tr(data.Title), "", 1, "C", false, 0, "")
	}
	if len(data.Notes) > 0 {
		pdf.SetFont("Arial", "", 9)
		for _, note := range data.Notes {
			pdf.CellFormat(0, 6, tr(note), "", 1, "L", false, 0, "")
		}
	}
	pdf.Ln(4)

	colWidth := pdfTableWidth / float64(len(data.Headers))
	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	for _, header := range data.Headers {
		pdf.CellFormat(colWidth, 8, tr(header), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	for _, row := range data.Rows {
		emphasis := data.Highlight != nil && data.Highlight(row)
		if emphasis {
			pdf.SetFont("Arial", "B", 9)
			pdf.SetTextColor(180, 0, 0)
		} else {
			pdf.SetFont("Arial", "", 9)
			pdf.SetTextColor(0, 0, 0)
		}
		for _, value := range data.record(row) {
			pdf.CellFormat(colWidth, 7, tr(value), "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
