package models

import "sort"

// ReferenceSchema is the implicit schema derived from known-good reference
// tables. It is built once and never mutated afterwards.
type ReferenceSchema struct {
	// RequiredColumns holds the column order of the first reference table.
	RequiredColumns []string
	// ValidValues maps each required column to its set of normalized legal values.
	ValidValues map[string]map[string]struct{}
	// Sources lists the reference table locations the schema was built from.
	Sources []string
}

// HasColumn reports whether name is a required column.
func (s *ReferenceSchema) HasColumn(name string) bool {
	_, ok := s.ValidValues[name]
	return ok
}

// IsValid reports whether value is legal for column. Comparison is
// case-sensitive.
func (s *ReferenceSchema) IsValid(column, value string) bool {
	set, ok := s.ValidValues[column]
	if !ok {
		return false
	}
	_, ok = set[value]
	return ok
}

// SortedValues returns the legal values of a column in ascending order.
func (s *ReferenceSchema) SortedValues(column string) []string {
	set := s.ValidValues[column]
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ColumnInfo summarises the legal values of one reference column.
type ColumnInfo struct {
	ValidValues  []string `json:"valid_values"`
	TotalValues  int      `json:"total_values"`
	SampleValues []string `json:"sample_values"`
}

// ValidationVerdict is the outcome of validating an upload.
// IsValid is true if and only if Errors is empty.
type ValidationVerdict struct {
	IsValid  bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// NewValidationVerdict builds a verdict whose validity follows from errors.
func NewValidationVerdict(errs, warnings []string) *ValidationVerdict {
	if errs == nil {
		errs = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	return &ValidationVerdict{
		IsValid:  len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}
}
