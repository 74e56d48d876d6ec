package services

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

var fixedNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func newTestPipeline(t *testing.T, model *fixedClassifier, activity *ActivityService) *pipelineService {
	t.Helper()
	return newPipelineService(newTestRuntime(t, model), activity, nil, func() time.Time { return fixedNow }, zap.NewNop())
}

func upload(body string) *UploadRequest {
	return &UploadRequest{Body: strings.NewReader(body), Filename: "students.csv"}
}

func TestPipeline_DegreeScenario_Valid(t *testing.T) {
	model := &fixedClassifier{features: []string{"Degree"}, class: 0, proba: []float64{0.2, 0.8}}
	svc := newTestPipeline(t, model, nil)

	result, err := svc.Process(context.Background(), upload("Degree\nMSc\n"))
	require.NoError(t, err)

	// Encoding mapped MSc to 1.
	batch := model.lastBatch()
	assert.Equal(t, []string{"Degree"}, batch.Columns)
	assert.Equal(t, [][]float64{{1}}, batch.Rows)

	out := result.Table
	assert.Equal(t, []string{"ID", "prediction", "confidence", "Degree", "timestamp"}, out.Columns)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, []string{"1", "0", "0.8", "MSc", "2024-06-01 09:30:00"}, out.Rows[0])
	assert.Equal(t, "predictions_20240601_093000.csv", result.FileName)
	assert.True(t, result.Verdict.IsValid)
}

func TestPipeline_DegreeScenario_InvalidValue(t *testing.T) {
	model := &fixedClassifier{features: []string{"Degree"}, proba: []float64{0.2, 0.8}}
	svc := newTestPipeline(t, model, nil)

	_, err := svc.Process(context.Background(), upload("Degree\nBachelors\n"))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	require.Len(t, verr.Verdict.Errors, 1)
	assert.Contains(t, verr.Verdict.Errors[0], "Degree")
	assert.Contains(t, verr.Verdict.Errors[0], "Bachelors")
	assert.Nil(t, model.lastBatch().Rows, "prediction must not run after a failed validation")
}

func TestPipeline_PreservesIDAndKeepsItOutOfFeatures(t *testing.T) {
	model := &fixedClassifier{features: []string{"Degree"}, class: 2, proba: []float64{0.1, 0.1, 0.8}}
	svc := newTestPipeline(t, model, nil)

	result, err := svc.Process(context.Background(), upload("ID,Degree\nA-7,PhD\nB-9,BSc\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"Degree"}, model.lastBatch().Columns)
	assert.Equal(t, "A-7", result.Table.Rows[0][0])
	assert.Equal(t, "B-9", result.Table.Rows[1][0])
	assert.Equal(t, []string{"ID", "prediction", "confidence", "Degree", "timestamp"}, result.Table.Columns)
}

func TestPipeline_DecodesTargetLabels(t *testing.T) {
	model := &fixedClassifier{features: []string{"Degree"}, class: 1, proba: []float64{0.3, 0.7}}
	mapping := degreeMapping()
	mapping["Outcome"] = map[string]int{"Fail": 0, "Pass": 1}

	rt, err := NewRuntime(degreeSchema(), mapping, model, "Outcome", zap.NewNop())
	require.NoError(t, err)
	h := NewRuntimeHolder(RuntimeConfig{}, zap.NewNop())
	h.Store(rt)
	svc := newPipelineService(h, nil, nil, func() time.Time { return fixedNow }, zap.NewNop())

	result, err := svc.Process(context.Background(), upload("Degree\nMSc\n"))
	require.NoError(t, err)
	assert.Equal(t, "Pass", result.Table.Rows[0][1])
}

func TestPipeline_NotReady(t *testing.T) {
	svc := newPipelineService(NewRuntimeHolder(RuntimeConfig{}, zap.NewNop()), nil, nil, time.Now, zap.NewNop())

	_, err := svc.Process(context.Background(), upload("Degree\nMSc\n"))
	assert.ErrorIs(t, err, apperrors.ErrNotReady)
}

func TestPipeline_UnreadableCSV(t *testing.T) {
	svc := newTestPipeline(t, &fixedClassifier{proba: []float64{1}}, nil)

	_, err := svc.Process(context.Background(), upload(""))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = svc.Process(context.Background(), upload("Degree\n\"MSc\n"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestPipeline_EmptyTableIsValidationFailure(t *testing.T) {
	svc := newTestPipeline(t, &fixedClassifier{proba: []float64{1}}, nil)

	_, err := svc.Process(context.Background(), upload("Degree\n"))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"Your data is empty. Please provide data to process."}, verr.Verdict.Errors)
}

func TestPipeline_PredictionFailure(t *testing.T) {
	rt, err := NewRuntime(degreeSchema(), degreeMapping(), failingClassifier{}, "", zap.NewNop())
	require.NoError(t, err)
	h := NewRuntimeHolder(RuntimeConfig{}, zap.NewNop())
	h.Store(rt)
	svc := NewPipelineService(h, nil, nil, zap.NewNop())

	_, err = svc.Process(context.Background(), upload("Degree\nMSc\n"))
	assert.ErrorIs(t, err, apperrors.ErrPredictionFailed)
}

func TestNewRuntime_RejectsModelWithoutProbabilities(t *testing.T) {
	_, err := NewRuntime(degreeSchema(), degreeMapping(), classOnly{}, "", zap.NewNop())
	assert.ErrorIs(t, err, apperrors.ErrConfidenceUnsupported)
}

func TestPipeline_RecordsUploadForUser(t *testing.T) {
	store := NewMemoryActivityStore()
	registry := &memoryRegistry{}
	activity := NewActivityService(store, registry, zap.NewNop())
	model := &fixedClassifier{features: []string{"Degree"}, proba: []float64{0.5, 0.5}}
	svc := newTestPipeline(t, model, activity)

	req := upload("Degree\nMSc\nPhD\n")
	req.UserID = "u1"
	_, err := svc.Process(context.Background(), req)
	require.NoError(t, err)

	a, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.UploadCount)

	files, err := registry.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "students.csv", files[0].Filename)
	assert.Equal(t, 2, files[0].RowCount)
	assert.Equal(t, 5, files[0].ColumnCount)
	assert.Equal(t, 1, files[0].UploadNumber)
}

func TestPipeline_CollaboratorFailureDoesNotFailUpload(t *testing.T) {
	store := newFlakyStore()
	store.getErr = errors.New("permission denied")
	registry := &memoryRegistry{appendErr: errors.New("quota exceeded")}
	activity := NewActivityService(store, registry, zap.NewNop())
	svc := newTestPipeline(t, &fixedClassifier{features: []string{"Degree"}, proba: []float64{1}}, activity)

	req := upload("Degree\nMSc\n")
	req.UserID = "u1"
	result, err := svc.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Table.NumRows())
}

func TestRuntimeHolder_ReloadKeepsPreviousOnFailure(t *testing.T) {
	first := &Runtime{Schema: degreeSchema(), Mapping: degreeMapping()}
	calls := 0
	loader := func(context.Context, RuntimeConfig, *zap.Logger) (*Runtime, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return nil, apperrors.ErrSchemaLoad
	}
	h := NewRuntimeHolderWithLoader(RuntimeConfig{}, loader, zap.NewNop())
	assert.Nil(t, h.Current())

	rt, err := h.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, rt)

	_, err = h.Reload(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrSchemaLoad)
	assert.Same(t, first, h.Current())
}

func TestRuntimeHolder_Status(t *testing.T) {
	h := NewRuntimeHolder(RuntimeConfig{ReferenceFiles: []string{"/does/not/exist.csv"}}, zap.NewNop())
	st := h.Status()
	assert.False(t, st.Ready)
	assert.False(t, st.ModelLoaded)
	assert.Equal(t, FileStatus{}, st.ReferenceFiles["exist.csv"])

	rt, err := NewRuntime(degreeSchema(), degreeMapping(), &fixedClassifier{proba: []float64{1}}, "", zap.NewNop())
	require.NoError(t, err)
	h.Store(rt)
	st = h.Status()
	assert.True(t, st.ModelLoaded)
	assert.True(t, st.MappingsLoaded)
	assert.False(t, st.Ready, "missing reference file keeps the service not ready")
}

func TestRuntimeHolder_SystemReport(t *testing.T) {
	dir := t.TempDir()
	ref := writeCSV(t, dir, "ref.csv", "Degree,Country\nBSc,Ghana\nMSc,Peru\nPhD,Peru\nBSc,Peru\nMSc,Ghana\nPhD,Ghana\nBSc,Chad\n")
	h := NewRuntimeHolder(RuntimeConfig{ReferenceFiles: []string{ref, filepath.Join(dir, "gone.csv")}}, zap.NewNop())

	report := h.SystemReport()
	require.Len(t, report.ReferenceFiles, 2)
	assert.Equal(t, ReferenceFileReport{File: "gone.csv", Error: "file not found"}, report.ReferenceFiles[1])

	sample := report.ReferenceFiles[0]
	assert.True(t, sample.Exists)
	assert.Equal(t, []string{"Degree", "Country"}, sample.Columns)
	assert.Equal(t, 5, sample.SampleRows)
	assert.Empty(t, sample.Error)
	assert.Greater(t, report.TotalSizeMB, 0.0)
	assert.False(t, report.ModelLoaded)
	assert.Nil(t, report.ModelType)
	assert.False(t, report.SystemReady)
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Verdict: models.NewValidationVerdict([]string{"a", "b"}, nil)}
	assert.Equal(t, "validation failed: a; b", err.Error())
}
