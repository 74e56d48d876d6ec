// Package validation checks uploaded tables against the reference schema.
package validation

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/tabular"
)

// MaxInvalidSamples caps how many invalid values a single message names.
const MaxInvalidSamples = 5

// Messages reported for inputs that cannot be checked column by column.
const (
	MsgEmptyData = "Your data is empty. Please provide data to process."
	MsgEmptyFile = "Your CSV file is empty. Please provide a file with data."
)

// Validate checks table against schema and returns a verdict. It never
// panics past its boundary: any unexpected failure becomes a single error
// message.
//
// Order of checks: missing columns, extra columns (ID exempt), then, only
// when no required column is missing, invalid and empty values per column.
func Validate(table *models.Table, schema *models.ReferenceSchema) (verdict *models.ValidationVerdict) {
	defer func() {
		if r := recover(); r != nil {
			verdict = failed(fmt.Sprintf("Validation failed: %v", r))
		}
	}()

	if schema == nil {
		return failed("Validation failed: reference schema is not loaded")
	}
	if table == nil || table.IsEmpty() {
		return failed(MsgEmptyData)
	}

	var errs []string

	missing := missingColumns(table, schema)
	if len(missing) > 0 {
		errs = append(errs, "Missing these required columns: "+strings.Join(missing, ", "))
	}

	extra := extraColumns(table, schema)
	if len(extra) > 0 {
		errs = append(errs, "These extra columns are not allowed: "+strings.Join(extra, ", "))
	}

	// Structural failures make value checks meaningless.
	if len(missing) > 0 {
		return models.NewValidationVerdict(errs, nil)
	}

	for _, column := range schema.RequiredColumns {
		errs = append(errs, checkColumnValues(table, schema, column)...)
	}

	return models.NewValidationVerdict(errs, nil)
}

// ValidateReader parses r as CSV and validates it. Unreadable input is
// reported as a failed verdict rather than an error.
func ValidateReader(r io.Reader, schema *models.ReferenceSchema) *models.ValidationVerdict {
	table, err := tabular.ReadCSV(r)
	if err != nil {
		if err == tabular.ErrNoHeader {
			return failed(MsgEmptyFile)
		}
		return failed(fmt.Sprintf("Validation failed: %v", err))
	}
	if table.IsEmpty() {
		return failed(MsgEmptyFile)
	}
	return Validate(table, schema)
}

func failed(msg string) *models.ValidationVerdict {
	return models.NewValidationVerdict([]string{msg}, nil)
}

func missingColumns(table *models.Table, schema *models.ReferenceSchema) []string {
	var missing []string
	for _, c := range schema.RequiredColumns {
		if !table.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

func extraColumns(table *models.Table, schema *models.ReferenceSchema) []string {
	var extra []string
	for _, c := range table.Columns {
		if c == models.IDColumn || schema.HasColumn(c) {
			continue
		}
		extra = append(extra, c)
	}
	return extra
}

func checkColumnValues(table *models.Table, schema *models.ReferenceSchema, column string) []string {
	var errs []string

	invalid := make(map[string]struct{})
	empty := 0
	for _, raw := range table.Column(column) {
		v := models.NormalizeCell(raw)
		if v == "" {
			empty++
			continue
		}
		if !schema.IsValid(column, v) {
			invalid[v] = struct{}{}
		}
	}

	if len(invalid) > 0 {
		errs = append(errs, invalidValuesMessage(column, invalid))
	}
	if empty > 0 {
		errs = append(errs, fmt.Sprintf("Column '%s' has %d empty values", column, empty))
	}
	return errs
}

func invalidValuesMessage(column string, invalid map[string]struct{}) string {
	values := make([]string, 0, len(invalid))
	for v := range invalid {
		values = append(values, v)
	}
	sort.Strings(values)

	sample := values
	if len(sample) > MaxInvalidSamples {
		sample = sample[:MaxInvalidSamples]
	}
	msg := fmt.Sprintf("Column '%s' has these invalid values: %s", column, strings.Join(sample, ", "))
	if len(values) > MaxInvalidSamples {
		msg += fmt.Sprintf(" and %d more...", len(values)-MaxInvalidSamples)
	}
	return msg
}
