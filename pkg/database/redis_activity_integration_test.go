//go:build integration

package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/database"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/testhelpers"
)

func TestRedisActivityStore(t *testing.T) {
	client := testhelpers.GetTestRedis(t)
	store := database.NewRedisActivityStore(client, "test:"+t.Name()+":")
	ctx := context.Background()

	_, err := store.Get(ctx, "nobody")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	a := models.NewUserActivity("u1")
	a.Record(models.ActivitySearch, now)
	require.NoError(t, store.Set(ctx, a))

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SearchCount)
	assert.True(t, got.LastActivity.Equal(now))

	got, err = store.Increment(ctx, "u1", models.ActivityUpload, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, got.SearchCount)
	assert.Equal(t, 1, got.UploadCount)
	assert.True(t, got.LastActivity.Equal(now.Add(time.Minute)))
}

func TestRunMigrations_Postgres(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	ctx := context.Background()

	var n int
	err := testDB.DB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN ('reference_values', 'prediction_files')`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
