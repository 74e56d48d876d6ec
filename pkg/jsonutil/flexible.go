// Package jsonutil decodes JSON scalars whose type varies by producer.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexibleStringValue converts a json.RawMessage to a string whether the
// producer sent a string, number or boolean. Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if numVal == float64(int64(numVal)) {
			return strconv.FormatInt(int64(numVal), 10)
		}
		return strconv.FormatFloat(numVal, 'g', -1, 64)
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return strconv.FormatBool(boolVal)
	}

	return string(raw)
}

// FlexibleInt decodes an integer sent either as a JSON number or as a
// decimal string (Firestore encodes int64 values as strings). Null or empty
// decodes to 0.
func FlexibleInt(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(FlexibleStringValue(raw))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}
	return n, nil
}
