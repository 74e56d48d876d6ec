package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/database"
)

// UserSheetRepository remembers the spreadsheet each user's predictions are
// exported to.
type UserSheetRepository interface {
	// GetSheetID returns the user's spreadsheet ID, or apperrors.ErrNotFound.
	GetSheetID(ctx context.Context, userID string) (string, error)

	// StoreSheetID records sheetID for the user, replacing any earlier one.
	StoreSheetID(ctx context.Context, userID, sheetID string) error
}

type pgUserSheetRepository struct {
	db *database.DB
}

var _ UserSheetRepository = (*pgUserSheetRepository)(nil)

// NewPostgresUserSheetRepository creates a sheet ID store backed by db.
func NewPostgresUserSheetRepository(db *database.DB) UserSheetRepository {
	return &pgUserSheetRepository{db: db}
}

func (r *pgUserSheetRepository) GetSheetID(ctx context.Context, userID string) (string, error) {
	var sheetID string
	err := r.db.Pool.QueryRow(ctx, `SELECT sheet_id FROM user_sheets WHERE user_id = $1`, userID).Scan(&sheetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user sheet: %w", err)
	}
	return sheetID, nil
}

func (r *pgUserSheetRepository) StoreSheetID(ctx context.Context, userID, sheetID string) error {
	query := `
		INSERT INTO user_sheets (user_id, sheet_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET sheet_id = EXCLUDED.sheet_id`

	if _, err := r.db.Pool.Exec(ctx, query, userID, sheetID); err != nil {
		return fmt.Errorf("store user sheet: %w", err)
	}
	return nil
}
