// Package prediction runs the classifier over encoded tables and extracts
// per-row confidence.
package prediction

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/classifier"
	"github.com/ekaya-inc/ekaya-predict/pkg/features"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// Engine wraps a classifier that supports both class and probability
// prediction. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	model    classifier.Classifier
	expected []string
	logger   *zap.Logger
}

// NewEngine checks the model's capabilities once. A model without
// probability output is rejected with apperrors.ErrConfidenceUnsupported,
// because confidence is a mandatory output column.
func NewEngine(model classifier.Predictor, logger *zap.Logger) (*Engine, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: no model", apperrors.ErrModelLoad)
	}
	full, ok := model.(classifier.Classifier)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no probability output", apperrors.ErrConfidenceUnsupported, model)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{model: full, logger: logger.Named("prediction")}
	if namer, ok := model.(classifier.FeatureNamer); ok {
		e.expected = namer.FeatureNames()
	}
	return e, nil
}

// ExpectedFeatures returns the model's declared features, or nil when the
// model does not declare any.
func (e *Engine) ExpectedFeatures() []string {
	return e.expected
}

// ModelType names the concrete model implementation.
func (e *Engine) ModelType() string {
	return fmt.Sprintf("%T", e.model)
}

// attempt is one way of shaping the feature table before calling the model.
type attempt struct {
	name  string
	shape func(*features.EncodedTable) (*features.EncodedTable, bool)
}

// Predict runs the model over every row in one batch. It first feeds the
// encoded table as-is (padding missing declared features with the sentinel);
// if that fails it retries with exactly the declared features in declared
// order. When every attempt fails it returns an empty result together with
// the last error; callers must treat an empty result for a non-empty input
// as a failure.
func (e *Engine) Predict(ctx context.Context, encoded *features.EncodedTable) (*models.PredictionResult, error) {
	if encoded.NumRows() == 0 {
		return &models.PredictionResult{PredictedClasses: []int{}, ConfidenceScores: []float64{}}, nil
	}

	attempts := []attempt{
		{name: "primary", shape: e.padMissing},
		{name: "aligned", shape: e.alignToDeclared},
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return emptyResult(), err
		}
		table, ok := a.shape(encoded)
		if !ok {
			continue
		}
		result, err := e.run(table)
		if err == nil {
			e.logResult(a.name, result)
			return result, nil
		}
		lastErr = err
		e.logger.Warn("Prediction attempt failed",
			zap.String("attempt", a.name),
			zap.Strings("columns", table.Columns),
			zap.Error(err))
	}

	if lastErr == nil {
		lastErr = errors.New("no prediction strategy applicable")
	}
	return emptyResult(), fmt.Errorf("%w: %w", apperrors.ErrPredictionFailed, lastErr)
}

func emptyResult() *models.PredictionResult {
	return &models.PredictionResult{PredictedClasses: []int{}, ConfidenceScores: []float64{}}
}

// padMissing adds a sentinel-filled column for each declared feature the
// table lacks, keeping every other column as it is.
func (e *Engine) padMissing(t *features.EncodedTable) (*features.EncodedTable, bool) {
	out := t
	var added []string
	for _, f := range e.expected {
		if out.ColumnIndex(f) < 0 {
			out = out.WithColumn(f, models.UnmappedCode)
			added = append(added, f)
		}
	}
	if len(added) > 0 {
		e.logger.Warn("Model features missing from input, filled with sentinel",
			zap.Strings("features", added))
	}
	return out, true
}

// alignToDeclared selects exactly the declared features. Only applicable
// when the model declares them.
func (e *Engine) alignToDeclared(t *features.EncodedTable) (*features.EncodedTable, bool) {
	if len(e.expected) == 0 {
		return nil, false
	}
	return t.Select(e.expected, models.UnmappedCode), true
}

func (e *Engine) run(t *features.EncodedTable) (*models.PredictionResult, error) {
	batch := classifier.Batch{Columns: t.Columns, Rows: t.Values}
	n := t.NumRows()

	classes, err := e.model.Predict(batch)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	proba, err := e.model.PredictProba(batch)
	if err != nil {
		return nil, fmt.Errorf("predict_proba: %w", err)
	}
	if len(classes) != n || len(proba) != n {
		return nil, fmt.Errorf("model returned %d classes and %d probability rows for %d input rows",
			len(classes), len(proba), n)
	}

	confidence := make([]float64, n)
	for i, p := range proba {
		c, err := Confidence(p)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		confidence[i] = c
	}

	return &models.PredictionResult{PredictedClasses: classes, ConfidenceScores: confidence}, nil
}

// Confidence is the maximum class probability of a distribution, clamped
// to [0, 1].
func Confidence(distribution []float64) (float64, error) {
	if len(distribution) == 0 {
		return 0, errors.New("empty probability vector")
	}
	// floats.Max passes over NaN unless it is the first element.
	if floats.HasNaN(distribution) {
		return 0, errors.New("probability vector contains NaN")
	}
	c := floats.Max(distribution)
	switch {
	case c < 0:
		return 0, nil
	case c > 1:
		return 1, nil
	}
	return c, nil
}

func (e *Engine) logResult(attemptName string, r *models.PredictionResult) {
	distribution := make(map[int]int)
	for _, c := range r.PredictedClasses {
		distribution[c]++
	}
	e.logger.Info("Generated predictions",
		zap.String("attempt", attemptName),
		zap.Int("rows", r.Len()),
		zap.Float64("mean_confidence", stat.Mean(r.ConfidenceScores, nil)),
		zap.Any("class_distribution", distribution))
}
