package sql

import (
	"testing"
)

func TestCheckParameterForInjection(t *testing.T) {
	tests := []struct {
		name            string
		paramName       string
		value           string
		expectInjection bool
	}{
		// Clean search terms
		{name: "category label", paramName: "query", value: "MSc", expectInjection: false},
		{name: "partial word", paramName: "query", value: "engin", expectInjection: false},
		{name: "multi-word value", paramName: "query", value: "Computer Science", expectInjection: false},
		{name: "numeric value", paramName: "query", value: "2024", expectInjection: false},
		{name: "column name", paramName: "column", value: "Degree", expectInjection: false},
		{name: "empty string", paramName: "query", value: "", expectInjection: false},
		{name: "legitimate apostrophe", paramName: "query", value: "O'Brien", expectInjection: false},
		{name: "natural language with keyword", paramName: "query", value: "SELECT the best option from the menu", expectInjection: false},

		// Injection patterns
		{name: "classic quote injection", paramName: "query", value: "' OR '1'='1", expectInjection: true},
		{name: "drop table injection", paramName: "query", value: "'; DROP TABLE users--", expectInjection: true},
		{name: "union select injection", paramName: "column", value: "1 UNION SELECT * FROM passwords", expectInjection: true},
		{name: "comment injection", paramName: "query", value: "admin'--", expectInjection: true},
		{name: "time-based blind injection", paramName: "query", value: "1' AND SLEEP(5)--", expectInjection: true},
		{name: "union with null", paramName: "query", value: "' UNION SELECT NULL, NULL--", expectInjection: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckParameterForInjection(tt.paramName, tt.value)

			if !tt.expectInjection {
				if result != nil {
					t.Errorf("expected no injection detection (nil), got result: %+v", result)
				}
				return
			}

			if result == nil {
				t.Fatalf("expected injection detection, got nil")
			}
			if !result.IsSQLi {
				t.Errorf("expected IsSQLi=true, got false")
			}
			if result.ParamName != tt.paramName {
				t.Errorf("expected ParamName=%q, got %q", tt.paramName, result.ParamName)
			}
			if result.ParamValue != tt.value {
				t.Errorf("expected ParamValue=%q, got %q", tt.value, result.ParamValue)
			}
			if result.Fingerprint == "" {
				t.Errorf("expected non-empty fingerprint, got empty string")
			}
		})
	}
}

func TestCheckAllParameters(t *testing.T) {
	tests := []struct {
		name        string
		params      map[string]string
		expectNames []string
	}{
		{
			name:        "all clean",
			params:      map[string]string{"column": "Degree", "query": "MSc"},
			expectNames: nil,
		},
		{
			name:        "one flagged",
			params:      map[string]string{"column": "Degree", "query": "'; DROP TABLE users--"},
			expectNames: []string{"query"},
		},
		{
			name: "several flagged in name order",
			params: map[string]string{
				"query":  "' OR '1'='1",
				"column": "1 UNION SELECT * FROM passwords",
			},
			expectNames: []string{"column", "query"},
		},
		{
			name:        "empty map",
			params:      map[string]string{},
			expectNames: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := CheckAllParameters(tt.params)

			if len(results) != len(tt.expectNames) {
				t.Fatalf("expected %d results, got %d: %+v", len(tt.expectNames), len(results), results)
			}
			for i, r := range results {
				if r.ParamName != tt.expectNames[i] {
					t.Errorf("result %d: expected ParamName=%q, got %q", i, tt.expectNames[i], r.ParamName)
				}
			}
		})
	}
}
