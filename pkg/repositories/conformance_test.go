package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// lookupRepositorySuite runs the behaviour both lookup drivers must share.
// source namespaces the rows so the suite can run against a shared database.
func lookupRepositorySuite(t *testing.T, repo LookupRepository, source string) {
	ctx := context.Background()
	col := func(name string) string { return source + "_" + name }

	values := []models.LookupValue{
		{Source: source, Column: col("Degree"), Value: "BSc"},
		{Source: source, Column: col("Degree"), Value: "MSc"},
		{Source: source, Column: col("Degree"), Value: "PhD"},
		{Source: source, Column: col("Degree"), Value: "MSc"},
		{Source: source, Column: col("Country"), Value: "Netherlands"},
		{Source: source, Column: col("Country"), Value: "100%_pure"},
	}

	t.Run("insert ignores duplicates", func(t *testing.T) {
		n, err := repo.InsertValues(ctx, values)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		n, err = repo.InsertValues(ctx, values)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = repo.InsertValues(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("has column", func(t *testing.T) {
		ok, err := repo.HasColumn(ctx, col("Degree"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.HasColumn(ctx, col("Nope"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("search columns is case-insensitive", func(t *testing.T) {
		cols, err := repo.SearchColumns(ctx, source+"_DEG", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{col("Degree")}, cols)
	})

	t.Run("search values is case-insensitive substring", func(t *testing.T) {
		got, err := repo.SearchValues(ctx, col("Degree"), "sc", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"BSc", "MSc"}, got)

		got, err = repo.SearchValues(ctx, col("Degree"), "sc", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"BSc"}, got)
	})

	t.Run("wildcards are literal", func(t *testing.T) {
		got, err := repo.SearchValues(ctx, col("Country"), "%_", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"100%_pure"}, got)

		got, err = repo.SearchValues(ctx, col("Country"), "_", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"100%_pure"}, got)
	})

	t.Run("column values sorted and limited", func(t *testing.T) {
		got, err := repo.ColumnValues(ctx, col("Degree"), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"BSc", "MSc"}, got)

		got, err = repo.ColumnValues(ctx, col("Missing"), 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("count", func(t *testing.T) {
		n, err := repo.Count(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(5))
	})
}

// predictionFileRepositorySuite runs the registry behaviour both drivers share.
func predictionFileRepositorySuite(t *testing.T, repo PredictionFileRepository) {
	ctx := context.Background()
	userID := "user-" + uuid.NewString()
	base := time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		f := &models.PredictionFile{
			UserID:       userID,
			Filename:     fmt.Sprintf("predictions_%d.csv", i),
			RowCount:     10 * i,
			ColumnCount:  5,
			UploadNumber: i,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Append(ctx, f))
		assert.NotEqual(t, uuid.Nil, f.ID)
	}

	files, err := repo.ListByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "predictions_3.csv", files[0].Filename)
	assert.Equal(t, 30, files[0].RowCount)
	assert.Equal(t, 3, files[0].UploadNumber)
	assert.True(t, files[0].CreatedAt.Equal(base.Add(3*time.Minute)))
	assert.Equal(t, "predictions_1.csv", files[2].Filename)

	files, err = repo.ListByUser(ctx, "nobody-"+userID)
	require.NoError(t, err)
	assert.Empty(t, files)

	f := &models.PredictionFile{UserID: userID, Filename: "x.csv"}
	require.NoError(t, repo.Append(ctx, f))
	assert.False(t, f.CreatedAt.IsZero())
}

// userSheetRepositorySuite runs the sheet ID behaviour both drivers share.
func userSheetRepositorySuite(t *testing.T, repo UserSheetRepository) {
	ctx := context.Background()
	userID := "user-" + uuid.NewString()

	_, err := repo.GetSheetID(ctx, userID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, repo.StoreSheetID(ctx, userID, "sheet-1"))
	got, err := repo.GetSheetID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "sheet-1", got)

	require.NoError(t, repo.StoreSheetID(ctx, userID, "sheet-2"))
	got, err = repo.GetSheetID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "sheet-2", got)
}
