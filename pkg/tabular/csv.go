// Package tabular reads and writes models.Table values as CSV.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// ErrNoHeader is returned when the input has no header row at all.
var ErrNoHeader = errors.New("no columns to parse from file")

const utf8BOM = "\ufeff"

// ReadCSV reads a complete CSV document with a header row.
func ReadCSV(r io.Reader) (*models.Table, error) {
	var table *models.Table
	err := StreamCSV(r, 0, func(columns []string, rows [][]string) error {
		if table == nil {
			table = models.NewTable(columns...)
		}
		table.Rows = append(table.Rows, rows...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// StreamCSV reads a CSV document in chunks of chunkSize rows and hands each
// chunk to fn together with the header. A chunkSize <= 0 delivers the whole
// body in one call. fn is called at least once, with an empty chunk when
// the document has a header but no rows.
func StreamCSV(r io.Reader, chunkSize int, fn func(columns []string, rows [][]string) error) error {
	reader := csv.NewReader(r)
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err == io.EOF {
		return ErrNoHeader
	}
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	columns, err := normalizeHeader(header)
	if err != nil {
		return err
	}

	var chunk [][]string
	delivered := false
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read row: %w", err)
		}
		chunk = append(chunk, record)
		if chunkSize > 0 && len(chunk) >= chunkSize {
			if err := fn(columns, chunk); err != nil {
				return err
			}
			delivered = true
			chunk = nil
		}
	}

	if len(chunk) > 0 || !delivered {
		return fn(columns, chunk)
	}
	return nil
}

func normalizeHeader(header []string) ([]string, error) {
	columns := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate column name %q", name)
		}
		seen[name] = true
		columns[i] = name
	}
	return columns, nil
}

// WriteCSV writes the table with its header row.
func WriteCSV(w io.Writer, table *models.Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(table.Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := writer.WriteAll(table.Rows); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return nil
}
