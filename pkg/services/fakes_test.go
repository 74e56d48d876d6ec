package services

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/classifier"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// fixedClassifier returns the same class and distribution for every row and
// remembers the last batch it saw.
type fixedClassifier struct {
	features []string
	class    int
	proba    []float64

	mu   sync.Mutex
	seen classifier.Batch
}

func (c *fixedClassifier) FeatureNames() []string { return c.features }

func (c *fixedClassifier) Predict(batch classifier.Batch) ([]int, error) {
	c.mu.Lock()
	c.seen = batch
	c.mu.Unlock()
	out := make([]int, len(batch.Rows))
	for i := range out {
		out[i] = c.class
	}
	return out, nil
}

func (c *fixedClassifier) PredictProba(batch classifier.Batch) ([][]float64, error) {
	out := make([][]float64, len(batch.Rows))
	for i := range out {
		out[i] = slices.Clone(c.proba)
	}
	return out, nil
}

func (c *fixedClassifier) lastBatch() classifier.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}

// classOnly lacks probability output.
type classOnly struct{}

func (classOnly) Predict(batch classifier.Batch) ([]int, error) {
	return make([]int, len(batch.Rows)), nil
}

// failingClassifier always errors.
type failingClassifier struct{}

func (failingClassifier) FeatureNames() []string { return []string{"Degree"} }
func (failingClassifier) Predict(classifier.Batch) ([]int, error) {
	return nil, errors.New("booster exploded")
}
func (failingClassifier) PredictProba(classifier.Batch) ([][]float64, error) {
	return nil, errors.New("booster exploded")
}

// degreeSchema is the reference schema of the worked example.
func degreeSchema() *models.ReferenceSchema {
	return &models.ReferenceSchema{
		RequiredColumns: []string{"Degree"},
		ValidValues: map[string]map[string]struct{}{
			"Degree": {"BSc": {}, "MSc": {}, "PhD": {}},
		},
	}
}

func degreeMapping() models.LabelMapping {
	return models.LabelMapping{"Degree": {"BSc": 0, "MSc": 1, "PhD": 2}}
}

func newTestRuntime(t *testing.T, model classifier.Predictor) *RuntimeHolder {
	t.Helper()
	rt, err := NewRuntime(degreeSchema(), degreeMapping(), model, "", zap.NewNop())
	require.NoError(t, err)
	h := NewRuntimeHolder(RuntimeConfig{}, zap.NewNop())
	h.Store(rt)
	return h
}

// flakyStore is an ActivityStore without Increment whose calls can be made
// to fail.
type flakyStore struct {
	mu      sync.Mutex
	records map[string]models.UserActivity
	getErr  error
	setErr  error
	sets    int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{records: make(map[string]models.UserActivity)}
}

func (s *flakyStore) Get(_ context.Context, userID string) (*models.UserActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	a, ok := s.records[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &a, nil
}

func (s *flakyStore) Set(_ context.Context, a *models.UserActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.records[a.UserID] = *a
	return nil
}

// memoryRegistry is an in-memory PredictionFileRegistry.
type memoryRegistry struct {
	mu        sync.Mutex
	files     []*models.PredictionFile
	appendErr error
}

func (r *memoryRegistry) Append(_ context.Context, f *models.PredictionFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	r.files = append(r.files, f)
	return nil
}

func (r *memoryRegistry) ListByUser(_ context.Context, userID string) ([]*models.PredictionFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.PredictionFile
	for i := len(r.files) - 1; i >= 0; i-- {
		if r.files[i].UserID == userID {
			out = append(out, r.files[i])
		}
	}
	return out, nil
}
