// Package export renders tabular datasets such as assignment timelines into downloadable files.
package export

// Dataset defines tabular export content.
type Dataset struct {
	Title   string
	Notes   []string
	Headers []string
	Rows    []map[string]string
	// Highlight marks rows rendered with emphasis in formats that support it.
	Highlight func(row map[string]string) bool
}

func (d Dataset) record(row map[string]string) []string {
	record := make([]string, len(d.Headers))
	for i, header := range d.Headers {
		record[i] = row[header]
	}
	return record
}
