package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
)

type sqliteUserSheetRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ UserSheetRepository = (*sqliteUserSheetRepository)(nil)

// NewSQLiteUserSheetRepository creates a sheet ID store backed by db.
func NewSQLiteUserSheetRepository(db *sql.DB) UserSheetRepository {
	return &sqliteUserSheetRepository{db: db, now: time.Now}
}

func (r *sqliteUserSheetRepository) GetSheetID(ctx context.Context, userID string) (string, error) {
	var sheetID string
	err := r.db.QueryRowContext(ctx, `SELECT sheet_id FROM user_sheets WHERE user_id = ?`, userID).Scan(&sheetID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user sheet: %w", err)
	}
	return sheetID, nil
}

func (r *sqliteUserSheetRepository) StoreSheetID(ctx context.Context, userID, sheetID string) error {
	query := `
		INSERT INTO user_sheets (user_id, sheet_id, created_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET sheet_id = excluded.sheet_id`

	if _, err := r.db.ExecContext(ctx, query, userID, sheetID, r.now().UnixMilli()); err != nil {
		return fmt.Errorf("store user sheet: %w", err)
	}
	return nil
}
