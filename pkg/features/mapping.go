package features

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// LoadMapping reads a label mapping artifact. JSON is the native format;
// files ending in .yaml or .yml are parsed as YAML with the same shape.
func LoadMapping(path string) (models.LabelMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMappingLoad, err)
	}

	var raw map[string]map[string]float64
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", apperrors.ErrMappingLoad, filepath.Base(path), err)
	}

	return toMapping(raw)
}

func toMapping(raw map[string]map[string]float64) (models.LabelMapping, error) {
	mapping := make(models.LabelMapping, len(raw))
	for column, values := range raw {
		codes := make(map[string]int, len(values))
		for label, code := range values {
			if code != math.Trunc(code) {
				return nil, fmt.Errorf("%w: column %q label %q has non-integer code %v",
					apperrors.ErrMappingLoad, column, label, code)
			}
			codes[label] = int(code)
		}
		mapping[column] = codes
	}
	return mapping, nil
}
