//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestGetTestDB_MigrationsApplied(t *testing.T) {
	testDB := GetTestDB(t)

	ctx := context.Background()

	var tableCount int
	err := testDB.DB.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name IN ('reference_values', 'prediction_files')").
		Scan(&tableCount)
	if err != nil {
		t.Fatalf("failed to count tables: %v", err)
	}

	if tableCount != 2 {
		t.Errorf("expected 2 tables, got %d", tableCount)
	}
}

func TestGetTestRedis_Ping(t *testing.T) {
	client := GetTestRedis(t)

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}
