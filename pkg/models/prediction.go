package models

import "strconv"

// UnmappedCode is the sentinel feature value for a category outside the
// label mapping, and for features the live dataset does not provide.
const UnmappedCode = -1

// LabelMapping maps column name -> raw categorical value -> integer code.
// It is loaded once and shared read-only across requests.
type LabelMapping map[string]map[string]int

// HasColumn reports whether the column is categorical-encoded.
func (m LabelMapping) HasColumn(column string) bool {
	_, ok := m[column]
	return ok
}

// Code returns the integer code for value in column, or UnmappedCode.
func (m LabelMapping) Code(column, value string) int {
	if code, ok := m[column][value]; ok {
		return code
	}
	return UnmappedCode
}

// Decode reverse-maps a code to its label. The second result is false when
// the column is not mapped or no label carries that code.
func (m LabelMapping) Decode(column string, code int) (string, bool) {
	values, ok := m[column]
	if !ok {
		return "", false
	}
	found := ""
	ok = false
	for label, c := range values {
		if c != code {
			continue
		}
		// Several labels may share a code; pick the smallest for stable output.
		if !ok || label < found {
			found = label
			ok = true
		}
	}
	return found, ok
}

// PredictionResult holds per-row model output in input row order.
// Both slices have the same length: the row count, or zero on total failure.
type PredictionResult struct {
	PredictedClasses []int     `json:"predicted_classes"`
	ConfidenceScores []float64 `json:"confidence_scores"`
}

// Empty reports whether the result carries no rows.
func (p *PredictionResult) Empty() bool {
	return p == nil || len(p.PredictedClasses) == 0
}

// Len returns the number of predicted rows.
func (p *PredictionResult) Len() int {
	if p == nil {
		return 0
	}
	return len(p.PredictedClasses)
}

// ClassLabel renders a class code, decoding through the mapping when the
// target column is mapped.
func (m LabelMapping) ClassLabel(targetColumn string, code int) string {
	if targetColumn != "" {
		if label, ok := m.Decode(targetColumn, code); ok {
			return label
		}
	}
	return strconv.Itoa(code)
}
