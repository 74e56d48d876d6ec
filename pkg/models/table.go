// Package models contains the domain types shared by the validation and
// prediction pipeline.
package models

import "strings"

// IDColumn is the optional identity column. It is the only extra column an
// upload may carry, and its values are preserved verbatim in the output.
const IDColumn = "ID"

// Table is a rectangular dataset of string cells with named columns.
// Every row has exactly len(Columns) cells.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// NewTable creates an empty table with the given column names.
func NewTable(columns ...string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// NumRows returns the number of data rows.
func (t *Table) NumRows() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// IsEmpty reports whether the table has no data rows.
func (t *Table) IsEmpty() bool {
	return t.NumRows() == 0
}

// ColumnIndex returns the position of the named column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the named column exists.
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// Column returns a copy of the named column's cells, or nil if absent.
func (t *Table) Column(name string) []string {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out
}

// AppendRow appends a row. Short rows are padded with empty cells and long
// rows are truncated so the table stays rectangular.
func (t *Table) AppendRow(cells ...string) {
	row := make([]string, len(t.Columns))
	copy(row, cells)
	t.Rows = append(t.Rows, row)
}

// DropColumn returns a copy of the table without the named column.
func (t *Table) DropColumn(name string) *Table {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return t.Clone()
	}
	out := &Table{
		Columns: make([]string, 0, len(t.Columns)-1),
		Rows:    make([][]string, len(t.Rows)),
	}
	out.Columns = append(out.Columns, t.Columns[:idx]...)
	out.Columns = append(out.Columns, t.Columns[idx+1:]...)
	for i, row := range t.Rows {
		r := make([]string, 0, len(row)-1)
		r = append(r, row[:idx]...)
		r = append(r, row[idx+1:]...)
		out.Rows[i] = r
	}
	return out
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{
		Columns: make([]string, len(t.Columns)),
		Rows:    make([][]string, len(t.Rows)),
	}
	copy(out.Columns, t.Columns)
	for i, row := range t.Rows {
		r := make([]string, len(row))
		copy(r, row)
		out.Rows[i] = r
	}
	return out
}

// NormalizeCell is the single normalization applied to reference and
// uploaded values alike: surrounding whitespace is trimmed, case is kept.
func NormalizeCell(v string) string {
	return strings.TrimSpace(v)
}
