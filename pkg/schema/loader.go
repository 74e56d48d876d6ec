// Package schema derives the reference schema from known-good tables.
package schema

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/tabular"
)

// readChunkRows bounds memory while streaming large reference files.
const readChunkRows = 5000

// Load reads every reference table in order and builds the schema.
// The first table fixes the required columns; every later table must expose
// exactly the same columns in the same order. Values are trimmed and unioned
// per column. All failures wrap apperrors.ErrSchemaLoad.
func Load(ctx context.Context, paths []string, logger *zap.Logger) (*models.ReferenceSchema, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("schema")

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no reference files configured", apperrors.ErrSchemaLoad)
	}

	schema := &models.ReferenceSchema{
		ValidValues: make(map[string]map[string]struct{}),
		Sources:     slices.Clone(paths),
	}

	for _, path := range paths {
		rows, err := loadFile(ctx, path, schema)
		if err != nil {
			logger.Error("Failed to load reference file",
				zap.String("path", path),
				zap.Error(err))
			return nil, err
		}
		logger.Info("Processed reference file",
			zap.String("file", filepath.Base(path)),
			zap.Int("rows", rows))
	}

	for _, column := range schema.RequiredColumns {
		n := len(schema.ValidValues[column])
		if n == 0 {
			return nil, fmt.Errorf("%w: column %q has no values in any reference file", apperrors.ErrSchemaLoad, column)
		}
		logger.Debug("Reference column loaded",
			zap.String("column", column),
			zap.Int("unique_values", n))
	}

	logger.Info("Reference schema loaded",
		zap.Int("files", len(paths)),
		zap.Int("columns", len(schema.RequiredColumns)))

	return schema, nil
}

func loadFile(ctx context.Context, path string, schema *models.ReferenceSchema) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: reference file not found or unreadable: %s: %v", apperrors.ErrSchemaLoad, path, err)
	}
	defer f.Close()

	rowCount := 0
	headerChecked := false
	err = tabular.StreamCSV(f, readChunkRows, func(columns []string, rows [][]string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !headerChecked {
			if err := checkColumns(path, columns, schema); err != nil {
				return err
			}
			headerChecked = true
		}
		for _, row := range rows {
			for i, column := range columns {
				v := models.NormalizeCell(row[i])
				if v == "" {
					continue
				}
				schema.ValidValues[column][v] = struct{}{}
			}
		}
		rowCount += len(rows)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, apperrors.ErrSchemaLoad) {
			return rowCount, err
		}
		return rowCount, fmt.Errorf("%w: %s: %w", apperrors.ErrSchemaLoad, path, err)
	}
	return rowCount, nil
}

func checkColumns(path string, columns []string, schema *models.ReferenceSchema) error {
	if schema.RequiredColumns == nil {
		schema.RequiredColumns = slices.Clone(columns)
		for _, c := range columns {
			schema.ValidValues[c] = make(map[string]struct{})
		}
		return nil
	}
	if !slices.Equal(columns, schema.RequiredColumns) {
		return fmt.Errorf("%w: column mismatch in %s", apperrors.ErrSchemaLoad, path)
	}
	return nil
}

// ColumnInfo summarises every required column: sorted valid values, their
// count, and the first five as a sample.
func ColumnInfo(schema *models.ReferenceSchema) map[string]models.ColumnInfo {
	info := make(map[string]models.ColumnInfo, len(schema.RequiredColumns))
	for _, column := range schema.RequiredColumns {
		values := schema.SortedValues(column)
		sample := values
		if len(sample) > 5 {
			sample = sample[:5]
		}
		info[column] = models.ColumnInfo{
			ValidValues:  values,
			TotalValues:  len(values),
			SampleValues: slices.Clone(sample),
		}
	}
	return info
}
