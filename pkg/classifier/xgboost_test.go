package classifier

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
)

func leaf(id int, v float64) *TreeNode {
	return &TreeNode{NodeID: id, Leaf: &v}
}

// stump splits on feature at threshold, sending NaN down the yes branch.
func stump(feature string, threshold, yes, no float64) *TreeNode {
	return &TreeNode{
		NodeID:         0,
		Split:          feature,
		SplitCondition: threshold,
		Yes:            1,
		No:             2,
		Missing:        1,
		Children:       []*TreeNode{leaf(1, yes), leaf(2, no)},
	}
}

func binaryModel(t *testing.T) *TreeEnsemble {
	t.Helper()
	m, err := NewTreeEnsemble(&ModelArtifact{
		FeatureNames: []string{"Degree", "Country"},
		Objective:    ObjectiveBinaryLogistic,
		BaseScore:    0.5,
		Trees: []*TreeNode{
			stump("Degree", 0.5, -2, 2),
			stump("f1", 0.5, 0, 1),
		},
	})
	require.NoError(t, err)
	return m
}

func TestTreeEnsemble_Binary(t *testing.T) {
	m := binaryModel(t)

	proba, err := m.PredictProba(Batch{
		Columns: []string{"Degree", "Country"},
		Rows:    [][]float64{{0, 0}, {1, 1}},
	})
	require.NoError(t, err)
	require.Len(t, proba, 2)

	p0 := 1 / (1 + math.Exp(2))
	assert.InDelta(t, 1-p0, proba[0][0], 1e-9)
	assert.InDelta(t, p0, proba[0][1], 1e-9)
	p1 := 1 / (1 + math.Exp(-3))
	assert.InDelta(t, p1, proba[1][1], 1e-9)

	classes, err := m.Predict(Batch{
		Columns: []string{"Degree", "Country"},
		Rows:    [][]float64{{0, 0}, {1, 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, classes)
}

func TestTreeEnsemble_MissingGoesDownMissingBranch(t *testing.T) {
	m := binaryModel(t)
	proba, err := m.PredictProba(Batch{
		Columns: []string{"Degree", "Country"},
		Rows:    [][]float64{{math.NaN(), math.NaN()}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(2)), proba[0][1], 1e-9)
}

func TestTreeEnsemble_Multiclass(t *testing.T) {
	m, err := NewTreeEnsemble(&ModelArtifact{
		FeatureNames: []string{"Degree"},
		Objective:    ObjectiveMultiSoftprob,
		NumClass:     3,
		BaseScore:    0.5,
		Trees: []*TreeNode{
			stump("Degree", 0.5, 1, 0),
			stump("Degree", 1.5, 0, 1),
			stump("Degree", 1.5, 0, 2),
		},
	})
	require.NoError(t, err)

	batch := Batch{Columns: []string{"Degree"}, Rows: [][]float64{{0}, {1}, {2}}}
	proba, err := m.PredictProba(batch)
	require.NoError(t, err)
	for _, p := range proba {
		sum := 0.0
		for _, v := range p {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}

	classes, err := m.Predict(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 2}, classes)
}

func TestTreeEnsemble_FeatureMismatch(t *testing.T) {
	m := binaryModel(t)

	_, err := m.PredictProba(Batch{Columns: []string{"Country", "Degree"}, Rows: [][]float64{{0, 0}}})
	assert.ErrorIs(t, err, ErrFeatureMismatch)

	_, err = m.Predict(Batch{Columns: []string{"Degree", "Country", "Extra"}, Rows: [][]float64{{0, 0, 0}}})
	assert.ErrorIs(t, err, ErrFeatureMismatch)
}

func TestNewTreeEnsemble_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		artifact *ModelArtifact
	}{
		{"no features", &ModelArtifact{Objective: ObjectiveBinaryLogistic, Trees: []*TreeNode{leaf(0, 1)}}},
		{"no trees", &ModelArtifact{FeatureNames: []string{"a"}, Objective: ObjectiveBinaryLogistic}},
		{"bad objective", &ModelArtifact{FeatureNames: []string{"a"}, Objective: "reg:squarederror", Trees: []*TreeNode{leaf(0, 1)}}},
		{"multiclass without classes", &ModelArtifact{FeatureNames: []string{"a"}, Objective: ObjectiveMultiSoftprob, Trees: []*TreeNode{leaf(0, 1)}}},
		{"unknown split", &ModelArtifact{FeatureNames: []string{"a"}, Objective: ObjectiveBinaryLogistic, Trees: []*TreeNode{stump("zzz", 1, 0, 1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTreeEnsemble(tt.artifact)
			assert.ErrorIs(t, err, apperrors.ErrModelLoad)
		})
	}
}

func TestLoadTreeEnsemble(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	artifact := `{
	  "feature_names": ["Degree"],
	  "objective": "binary:logistic",
	  "base_score": 0.5,
	  "trees": [
	    {"nodeid": 0, "split": "Degree", "split_condition": 1.5, "yes": 1, "no": 2, "missing": 1,
	     "children": [{"nodeid": 1, "leaf": -1.0}, {"nodeid": 2, "leaf": 1.0}]}
	  ]
	}`
	require.NoError(t, os.WriteFile(path, []byte(artifact), 0o644))

	m, err := LoadTreeEnsemble(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Degree"}, m.FeatureNames())
	assert.Equal(t, 2, m.NumClass())
	assert.Equal(t, 1, m.Describe()["num_trees"])

	_, err = LoadTreeEnsemble(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, apperrors.ErrModelLoad)
}
