// Package results merges predictions back into the uploaded rows and names
// the exported file.
package results

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// Output column names.
const (
	ColumnPrediction = "prediction"
	ColumnConfidence = "confidence"
	ColumnTimestamp  = "timestamp"
)

// TimestampLayout is the format of the generation timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// Options controls how predictions are rendered.
type Options struct {
	// Mapping and TargetColumn turn class codes into labels when the
	// mapping knows the target column. Unknown codes stay numeric.
	Mapping      models.LabelMapping
	TargetColumn string
	// Now is captured once per call. Defaults to time.Now.
	Now func() time.Time
}

// Assemble builds the output table: identity, prediction and confidence
// first, then the original columns in their original order, then the
// generation timestamp.
//
// When hadID is false an identity column 1..N is synthesized; otherwise the
// original identity values are kept verbatim. The original table is not
// modified.
func Assemble(original *models.Table, preds *models.PredictionResult, hadID bool, opts Options) (*models.Table, error) {
	n := original.NumRows()
	if preds == nil {
		preds = &models.PredictionResult{}
	}
	if preds.Len() != n || len(preds.ConfidenceScores) != n {
		return nil, fmt.Errorf("prediction count %d does not match row count %d", preds.Len(), n)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	stamp := now().Format(TimestampLayout)

	idIdx := -1
	if hadID {
		idIdx = original.ColumnIndex(models.IDColumn)
		if idIdx < 0 {
			return nil, fmt.Errorf("input has no %s column", models.IDColumn)
		}
	}

	columns := []string{models.IDColumn, ColumnPrediction, ColumnConfidence}
	for i, c := range original.Columns {
		if i != idIdx {
			columns = append(columns, c)
		}
	}
	columns = append(columns, ColumnTimestamp)

	out := &models.Table{Columns: columns, Rows: make([][]string, n)}
	for r, row := range original.Rows {
		cells := make([]string, 0, len(columns))
		if idIdx >= 0 {
			cells = append(cells, row[idIdx])
		} else {
			cells = append(cells, strconv.Itoa(r+1))
		}
		cells = append(cells,
			opts.Mapping.ClassLabel(opts.TargetColumn, preds.PredictedClasses[r]),
			FormatConfidence(preds.ConfidenceScores[r]))
		for i, v := range row {
			if i != idIdx {
				cells = append(cells, v)
			}
		}
		cells = append(cells, stamp)
		out.Rows[r] = cells
	}
	return out, nil
}

// FormatConfidence rounds to 4 decimal places and drops trailing zeros.
func FormatConfidence(c float64) string {
	return strconv.FormatFloat(math.Round(c*1e4)/1e4, 'f', -1, 64)
}

// FileName is the download name for a result generated at t.
func FileName(t time.Time) string {
	return "predictions_" + t.Format("20060102_150405") + ".csv"
}
