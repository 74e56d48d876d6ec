package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
)

// Supported objectives.
const (
	ObjectiveBinaryLogistic = "binary:logistic"
	ObjectiveMultiSoftprob  = "multi:softprob"
	ObjectiveMultiSoftmax   = "multi:softmax"
)

// ErrFeatureMismatch is returned when a batch's columns differ from the
// model's declared features, in set or in order.
var ErrFeatureMismatch = errors.New("feature_names mismatch")

// TreeNode is one node of a gradient-boosted tree as written by the
// model dump tooling. Leaf nodes carry Leaf; split nodes carry the rest.
type TreeNode struct {
	NodeID         int         `json:"nodeid"`
	Split          string      `json:"split,omitempty"`
	SplitCondition float64     `json:"split_condition,omitempty"`
	Yes            int         `json:"yes,omitempty"`
	No             int         `json:"no,omitempty"`
	Missing        int         `json:"missing,omitempty"`
	Leaf           *float64    `json:"leaf,omitempty"`
	Children       []*TreeNode `json:"children,omitempty"`
}

// ModelArtifact is the on-disk model format: declared features, objective
// and the dumped trees.
type ModelArtifact struct {
	FeatureNames []string    `json:"feature_names"`
	Objective    string      `json:"objective"`
	NumClass     int         `json:"num_class"`
	BaseScore    float64     `json:"base_score"`
	Trees        []*TreeNode `json:"trees"`
}

type compiledNode struct {
	feature   int
	threshold float64
	yes       int
	no        int
	missing   int
	leaf      float64
	isLeaf    bool
}

type compiledTree struct {
	nodes map[int]compiledNode
	root  int
	class int
}

// TreeEnsemble is a gradient-boosted tree classifier. It is immutable after
// construction and safe for concurrent use.
type TreeEnsemble struct {
	featureNames []string
	objective    string
	numClass     int
	baseMargin   float64
	trees        []compiledTree
}

var (
	_ Classifier   = (*TreeEnsemble)(nil)
	_ FeatureNamer = (*TreeEnsemble)(nil)
	_ Describer    = (*TreeEnsemble)(nil)
)

// LoadTreeEnsemble reads a model artifact from disk.
func LoadTreeEnsemble(path string) (*TreeEnsemble, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrModelLoad, err)
	}
	var artifact ModelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("%w: failed to parse model artifact: %v", apperrors.ErrModelLoad, err)
	}
	return NewTreeEnsemble(&artifact)
}

// NewTreeEnsemble compiles an artifact into an evaluable model.
func NewTreeEnsemble(artifact *ModelArtifact) (*TreeEnsemble, error) {
	if len(artifact.FeatureNames) == 0 {
		return nil, fmt.Errorf("%w: model declares no features", apperrors.ErrModelLoad)
	}
	if len(artifact.Trees) == 0 {
		return nil, fmt.Errorf("%w: model has no trees", apperrors.ErrModelLoad)
	}

	m := &TreeEnsemble{
		featureNames: slices.Clone(artifact.FeatureNames),
		objective:    artifact.Objective,
	}

	switch artifact.Objective {
	case ObjectiveBinaryLogistic:
		m.numClass = 2
		base := artifact.BaseScore
		if base <= 0 || base >= 1 {
			base = 0.5
		}
		m.baseMargin = math.Log(base / (1 - base))
	case ObjectiveMultiSoftprob, ObjectiveMultiSoftmax:
		if artifact.NumClass < 2 {
			return nil, fmt.Errorf("%w: %s requires num_class >= 2", apperrors.ErrModelLoad, artifact.Objective)
		}
		m.numClass = artifact.NumClass
		m.baseMargin = artifact.BaseScore
	default:
		return nil, fmt.Errorf("%w: unsupported objective %q", apperrors.ErrModelLoad, artifact.Objective)
	}

	groups := 1
	if m.numClass > 2 {
		groups = m.numClass
	}
	for i, root := range artifact.Trees {
		tree, err := m.compile(root)
		if err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", apperrors.ErrModelLoad, i, err)
		}
		tree.class = i % groups
		m.trees = append(m.trees, tree)
	}

	return m, nil
}

func (m *TreeEnsemble) compile(root *TreeNode) (compiledTree, error) {
	tree := compiledTree{nodes: make(map[int]compiledNode)}
	if root == nil {
		return tree, errors.New("empty tree")
	}
	tree.root = root.NodeID
	stack := []*TreeNode{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.Leaf != nil {
			tree.nodes[n.NodeID] = compiledNode{leaf: *n.Leaf, isLeaf: true}
			continue
		}
		feature, err := m.featureIndex(n.Split)
		if err != nil {
			return tree, err
		}
		tree.nodes[n.NodeID] = compiledNode{
			feature:   feature,
			threshold: n.SplitCondition,
			yes:       n.Yes,
			no:        n.No,
			missing:   n.Missing,
		}
		stack = append(stack, n.Children...)
	}
	if _, ok := tree.nodes[root.NodeID]; !ok {
		return tree, errors.New("root node missing")
	}
	return tree, nil
}

// featureIndex resolves a split feature given by name or as "f<index>".
func (m *TreeEnsemble) featureIndex(split string) (int, error) {
	if i := slices.Index(m.featureNames, split); i >= 0 {
		return i, nil
	}
	if strings.HasPrefix(split, "f") {
		if i, err := strconv.Atoi(split[1:]); err == nil && i >= 0 && i < len(m.featureNames) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown split feature %q", split)
}

// FeatureNames returns the declared training features in order.
func (m *TreeEnsemble) FeatureNames() []string {
	return slices.Clone(m.featureNames)
}

// NumClass returns the number of output classes.
func (m *TreeEnsemble) NumClass() int {
	return m.numClass
}

// Describe summarises the model for startup logs.
func (m *TreeEnsemble) Describe() map[string]any {
	return map[string]any{
		"type":       "tree_ensemble",
		"objective":  m.objective,
		"num_class":  m.numClass,
		"num_trees":  len(m.trees),
		"n_features": len(m.featureNames),
	}
}

// Predict returns the most probable class per row.
func (m *TreeEnsemble) Predict(batch Batch) ([]int, error) {
	proba, err := m.PredictProba(batch)
	if err != nil {
		return nil, err
	}
	classes := make([]int, len(proba))
	for i, p := range proba {
		classes[i] = floats.MaxIdx(p)
	}
	return classes, nil
}

// PredictProba returns one probability vector per row. The batch columns
// must equal the declared features exactly, as the upstream library
// enforces.
func (m *TreeEnsemble) PredictProba(batch Batch) ([][]float64, error) {
	if !slices.Equal(batch.Columns, m.featureNames) {
		return nil, fmt.Errorf("%w: expected %v, got %v", ErrFeatureMismatch, m.featureNames, batch.Columns)
	}

	out := make([][]float64, len(batch.Rows))
	for i, row := range batch.Rows {
		if len(row) != len(m.featureNames) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(m.featureNames))
		}
		out[i] = m.rowProba(row)
	}
	return out, nil
}

func (m *TreeEnsemble) rowProba(row []float64) []float64 {
	groups := 1
	if m.numClass > 2 {
		groups = m.numClass
	}
	margins := make([]float64, groups)
	for k := range margins {
		margins[k] = m.baseMargin
	}
	for _, tree := range m.trees {
		margins[tree.class] += tree.eval(row)
	}

	if m.numClass == 2 {
		p := 1 / (1 + math.Exp(-margins[0]))
		return []float64{1 - p, p}
	}
	return softmax(margins)
}

func (t compiledTree) eval(row []float64) float64 {
	id := t.root
	for steps := 0; steps <= len(t.nodes); steps++ {
		n, ok := t.nodes[id]
		if !ok {
			return 0
		}
		if n.isLeaf {
			return n.leaf
		}
		v := row[n.feature]
		switch {
		case math.IsNaN(v):
			id = n.missing
		case v < n.threshold:
			id = n.yes
		default:
			id = n.no
		}
	}
	return 0
}

func softmax(margins []float64) []float64 {
	out := make([]float64, len(margins))
	maxMargin := floats.Max(margins)
	for i, v := range margins {
		out[i] = math.Exp(v - maxMargin)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
