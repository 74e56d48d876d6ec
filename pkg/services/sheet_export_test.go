package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-predict/pkg/database"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/repositories"
)

// fakeSheets keeps spreadsheets in memory.
type fakeSheets struct {
	mu        sync.Mutex
	titles    map[string]string
	rows      map[string][][]string
	createErr error
	appendErr error
}

func newFakeSheets() *fakeSheets {
	return &fakeSheets{titles: map[string]string{}, rows: map[string][][]string{}}
}

func (f *fakeSheets) CreateSpreadsheet(_ context.Context, title string, header []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := fmt.Sprintf("sheet-%d", len(f.titles)+1)
	f.titles[id] = title
	f.rows[id] = [][]string{header}
	return id, nil
}

func (f *fakeSheets) AppendRows(_ context.Context, id string, rows [][]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	if _, ok := f.rows[id]; !ok {
		return 0, errors.New("spreadsheet not found")
	}
	f.rows[id] = append(f.rows[id], rows...)
	return len(rows), nil
}

func (f *fakeSheets) sheet(id string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func newSQLiteUserSheets(t *testing.T) repositories.UserSheetRepository {
	t.Helper()
	db, err := database.OpenSQLite(database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db, database.DialectSQLite, zap.NewNop()))
	return repositories.NewSQLiteUserSheetRepository(db)
}

func resultTable(rows ...[]string) *models.Table {
	t := models.NewTable("ID", "prediction", "confidence", "Degree", "timestamp")
	for _, r := range rows {
		t.AppendRow(r...)
	}
	return t
}

func TestSheetExporter_CreatesSheetOnceAndAppends(t *testing.T) {
	api := newFakeSheets()
	userSheets := newSQLiteUserSheets(t)
	exporter := NewSheetExporter(api, userSheets, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, exporter.Append(ctx, "u1", resultTable(
		[]string{"1", "Accepted", "0.8", "MSc", "2024-06-01 09:30:00"},
	)))
	require.NoError(t, exporter.Append(ctx, "u1", resultTable(
		[]string{"7", "Rejected", "0.6", "PhD", "2024-06-01 10:00:00"},
		[]string{"8", "Accepted", "0.9", "BSc", "2024-06-01 10:00:00"},
	)))

	require.Len(t, api.titles, 1)
	id, err := userSheets.GetSheetID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Predictions for User u1", api.titles[id])
	assert.Equal(t, [][]string{
		{"ID", "Prediction", "Confidence", "Timestamp"},
		{"1", "Accepted", "0.8", "2024-06-01 09:30:00"},
		{"7", "Rejected", "0.6", "2024-06-01 10:00:00"},
		{"8", "Accepted", "0.9", "2024-06-01 10:00:00"},
	}, api.sheet(id))

	require.NoError(t, exporter.Append(ctx, "u2", resultTable(
		[]string{"1", "Accepted", "0.7", "MSc", "2024-06-02 08:00:00"},
	)))
	other, err := userSheets.GetSheetID(ctx, "u2")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestSheetExporter_UsesRecordedSheet(t *testing.T) {
	api := newFakeSheets()
	existing, err := api.CreateSpreadsheet(context.Background(), "earlier", sheetHeader)
	require.NoError(t, err)
	userSheets := newSQLiteUserSheets(t)
	require.NoError(t, userSheets.StoreSheetID(context.Background(), "u1", existing))

	exporter := NewSheetExporter(api, userSheets, zap.NewNop())
	require.NoError(t, exporter.Append(context.Background(), "u1", resultTable(
		[]string{"1", "Accepted", "0.8", "MSc", "2024-06-01 09:30:00"},
	)))

	assert.Len(t, api.titles, 1)
	assert.Len(t, api.sheet(existing), 2)
}

func TestSheetExporter_Errors(t *testing.T) {
	ctx := context.Background()
	row := []string{"1", "Accepted", "0.8", "MSc", "2024-06-01 09:30:00"}

	api := newFakeSheets()
	api.createErr = errors.New("permission denied")
	err := NewSheetExporter(api, newSQLiteUserSheets(t), zap.NewNop()).Append(ctx, "u1", resultTable(row))
	assert.ErrorContains(t, err, "create user sheet")

	api = newFakeSheets()
	api.appendErr = errors.New("quota exceeded")
	userSheets := newSQLiteUserSheets(t)
	err = NewSheetExporter(api, userSheets, zap.NewNop()).Append(ctx, "u1", resultTable(row))
	assert.ErrorContains(t, err, "append predictions")
	// The sheet survives for the next export.
	_, err = userSheets.GetSheetID(ctx, "u1")
	assert.NoError(t, err)

	bare := models.NewTable("ID", "prediction")
	bare.AppendRow("1", "Accepted")
	err = NewSheetExporter(newFakeSheets(), newSQLiteUserSheets(t), zap.NewNop()).Append(ctx, "u1", bare)
	assert.ErrorContains(t, err, "no confidence column")
}

func TestSheetExporter_EmptyTableIsNoop(t *testing.T) {
	api := newFakeSheets()
	exporter := NewSheetExporter(api, newSQLiteUserSheets(t), zap.NewNop())
	require.NoError(t, exporter.Append(context.Background(), "u1", resultTable()))
	assert.Empty(t, api.titles)
}

// brokenSheetStore fails every lookup with a non-retryable error.
type brokenSheetStore struct{}

func (brokenSheetStore) GetSheetID(context.Context, string) (string, error) {
	return "", sql.ErrConnDone
}

func (brokenSheetStore) StoreSheetID(context.Context, string, string) error {
	return sql.ErrConnDone
}

func TestSheetExporter_StoreFailureDoesNotCreateSheet(t *testing.T) {
	api := newFakeSheets()
	err := NewSheetExporter(api, brokenSheetStore{}, zap.NewNop()).Append(context.Background(), "u1", resultTable(
		[]string{"1", "Accepted", "0.8", "MSc", "2024-06-01 09:30:00"},
	))
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Empty(t, api.titles)
}

func TestPipeline_ExportsPredictionsForUser(t *testing.T) {
	api := newFakeSheets()
	userSheets := newSQLiteUserSheets(t)
	model := &fixedClassifier{features: []string{"Degree"}, proba: []float64{0.25, 0.75}}
	svc := newPipelineService(newTestRuntime(t, model), nil, NewSheetExporter(api, userSheets, zap.NewNop()),
		func() time.Time { return fixedNow }, zap.NewNop())

	req := upload("Degree\nMSc\nPhD\n")
	req.UserID = "u1"
	_, err := svc.Process(context.Background(), req)
	require.NoError(t, err)

	id, err := userSheets.GetSheetID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"ID", "Prediction", "Confidence", "Timestamp"},
		{"1", "0", "0.75", "2024-06-01 09:30:00"},
		{"2", "0", "0.75", "2024-06-01 09:30:00"},
	}, api.sheet(id))

	// Anonymous uploads are not exported.
	_, err = svc.Process(context.Background(), upload("Degree\nBSc\n"))
	require.NoError(t, err)
	assert.Len(t, api.sheet(id), 3)
	assert.Len(t, api.titles, 1)
}

func TestPipeline_ExportFailureDoesNotFailUpload(t *testing.T) {
	api := newFakeSheets()
	api.createErr = errors.New("permission denied")
	core, logs := observer.New(zapcore.WarnLevel)
	model := &fixedClassifier{features: []string{"Degree"}, proba: []float64{1}}
	svc := newPipelineService(newTestRuntime(t, model), nil, NewSheetExporter(api, newSQLiteUserSheets(t), zap.NewNop()),
		func() time.Time { return fixedNow }, zap.New(core))

	req := upload("Degree\nMSc\n")
	req.UserID = "u1"
	result, err := svc.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Table.NumRows())
	assert.Equal(t, 1, logs.FilterMessage("Failed to export predictions").Len())
}
