// Package sql screens user-supplied search input for SQL injection
// patterns before it reaches the lookup store.
package sql

import (
	"sort"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes input that matched an injection pattern.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	ParamName   string // Name of the parameter that failed the check
	ParamValue  string // The value that was checked
}

// CheckParameterForInjection returns nil for clean input, or a result
// naming the matched fingerprint.
//
//	CheckParameterForInjection("query", "MSc")             // nil
//	CheckParameterForInjection("query", "'; DROP TABLE x--") // IsSQLi == true
func CheckParameterForInjection(paramName, value string) *InjectionCheckResult {
	if value == "" {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		ParamName:   paramName,
		ParamValue:  value,
	}
}

// CheckAllParameters checks every value and returns the flagged ones
// ordered by parameter name. Returns nil when all are clean.
func CheckAllParameters(params map[string]string) []*InjectionCheckResult {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []*InjectionCheckResult
	for _, name := range names {
		if result := CheckParameterForInjection(name, params[name]); result != nil {
			results = append(results, result)
		}
	}
	return results
}
