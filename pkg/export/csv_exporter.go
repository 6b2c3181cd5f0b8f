package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOption configures a CSVExporter.
type CSVOption func(*CSVExporter)

// WithDelimiter switches the field separator, e.g. ';' for spreadsheet locales using decimal commas.
func WithDelimiter(delimiter rune) CSVOption {
	return func(e *CSVExporter) {
		e.delimiter = delimiter
	}
}

// WithByteOrderMark prefixes output with a UTF-8 BOM so spreadsheet tools detect the encoding.
func WithByteOrderMark() CSVOption {
	return func(e *CSVExporter) {
		e.bom = true
	}
}

// CSVExporter renders a Dataset as a header row followed by one record per row. Title and notes
// are not part of the CSV output.
type CSVExporter struct {
	delimiter rune
	bom       bool
}

// NewCSVExporter builds a CSV exporter.
func NewCSVExporter(opts ...CSVOption) *CSVExporter {
	e := &CSVExporter{delimiter: ','}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Render produces the CSV bytes.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("csv requires at least one header")
	}
	buf := &bytes.Buffer{}
	if e.bom {
		buf.Write(utf8BOM)
	}
	writer := csv.NewWriter(buf)
	writer.Comma = e.delimiter
	if err := writer.Write(data.Headers); err != nil {
		return nil, fmt.Errorf("write csv headers: %w", err)
	}
	for _, row := range data.Rows {
		if err := writer.Write(data.record(row)); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
