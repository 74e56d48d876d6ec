// Package features turns validated tables into the numeric matrix the
// classifier consumes.
package features

import (
	"math"
	"slices"
	"strconv"

	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// EncodedTable is the numeric form of a table. Values[i][j] is row i,
// column Columns[j].
type EncodedTable struct {
	Columns []string
	Values  [][]float64
	// Encoded lists the columns that went through the label mapping.
	Encoded []string
}

// NumRows returns the number of rows.
func (e *EncodedTable) NumRows() int {
	return len(e.Values)
}

// ColumnIndex returns the position of the named column or -1.
func (e *EncodedTable) ColumnIndex(name string) int {
	return slices.Index(e.Columns, name)
}

// WithColumn returns a copy with an extra column filled with fill.
func (e *EncodedTable) WithColumn(name string, fill float64) *EncodedTable {
	out := &EncodedTable{
		Columns: append(slices.Clone(e.Columns), name),
		Values:  make([][]float64, len(e.Values)),
		Encoded: slices.Clone(e.Encoded),
	}
	for i, row := range e.Values {
		r := make([]float64, len(row), len(row)+1)
		copy(r, row)
		out.Values[i] = append(r, fill)
	}
	return out
}

// Select builds a table holding exactly the given columns in order. Columns
// the table does not have are filled with fill.
func (e *EncodedTable) Select(columns []string, fill float64) *EncodedTable {
	idx := make([]int, len(columns))
	for j, c := range columns {
		idx[j] = e.ColumnIndex(c)
	}
	out := &EncodedTable{
		Columns: slices.Clone(columns),
		Values:  make([][]float64, len(e.Values)),
	}
	for _, c := range e.Encoded {
		if slices.Contains(columns, c) {
			out.Encoded = append(out.Encoded, c)
		}
	}
	for i, row := range e.Values {
		r := make([]float64, len(columns))
		for j, k := range idx {
			if k < 0 {
				r[j] = fill
				continue
			}
			r[j] = row[k]
		}
		out.Values[i] = r
	}
	return out
}

// EncodeStats reports how many values per mapped column fell back to the
// unmapped sentinel. It is for logging only.
type EncodeStats struct {
	Unmapped map[string]int
}

// TotalUnmapped sums the unmapped counts.
func (s EncodeStats) TotalUnmapped() int {
	n := 0
	for _, c := range s.Unmapped {
		n += c
	}
	return n
}

// Encode maps every cell of a mapped column to its integer code, with
// models.UnmappedCode for labels the mapping does not know. Columns absent
// from the mapping pass through, parsed as numbers; non-numeric
// pass-through cells become NaN. The input table is not modified.
func Encode(table *models.Table, mapping models.LabelMapping) (*EncodedTable, EncodeStats) {
	stats := EncodeStats{Unmapped: make(map[string]int)}
	out := &EncodedTable{
		Columns: slices.Clone(table.Columns),
		Values:  make([][]float64, len(table.Rows)),
	}

	mapped := make([]bool, len(table.Columns))
	for j, c := range table.Columns {
		if mapping.HasColumn(c) {
			mapped[j] = true
			out.Encoded = append(out.Encoded, c)
		}
	}

	for i, row := range table.Rows {
		r := make([]float64, len(table.Columns))
		for j, cell := range row {
			column := table.Columns[j]
			if mapped[j] {
				code, ok := lookup(mapping[column], cell)
				if !ok {
					stats.Unmapped[column]++
				}
				r[j] = float64(code)
				continue
			}
			r[j] = parseNumber(cell)
		}
		out.Values[i] = r
	}

	return out, stats
}

// lookup tries the raw cell first and then its trimmed form, since
// validation accepts values with surrounding whitespace.
func lookup(codes map[string]int, cell string) (int, bool) {
	if code, ok := codes[cell]; ok {
		return code, true
	}
	if code, ok := codes[models.NormalizeCell(cell)]; ok {
		return code, true
	}
	return models.UnmappedCode, false
}

func parseNumber(cell string) float64 {
	v, err := strconv.ParseFloat(models.NormalizeCell(cell), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
