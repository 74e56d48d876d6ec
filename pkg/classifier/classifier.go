// Package classifier defines the capability contract the prediction engine
// relies on, and a tree-ensemble implementation loaded from an exported
// model artifact.
package classifier

// Batch is a numeric feature matrix with named columns.
type Batch struct {
	Columns []string
	Rows    [][]float64
}

// Predictor predicts one class code per row.
type Predictor interface {
	Predict(batch Batch) ([]int, error)
}

// ProbabilityPredictor predicts a class probability distribution per row.
type ProbabilityPredictor interface {
	PredictProba(batch Batch) ([][]float64, error)
}

// Classifier is a model that can produce both class codes and class
// probabilities. Confidence scores require both.
type Classifier interface {
	Predictor
	ProbabilityPredictor
}

// FeatureNamer is implemented by models that declare the exact feature
// columns they were trained on.
type FeatureNamer interface {
	FeatureNames() []string
}

// Describer is implemented by models that can summarise themselves for logs.
type Describer interface {
	Describe() map[string]any
}
