package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-predict/pkg/database"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// PredictionFileRepository records the enriched files returned to each user.
type PredictionFileRepository interface {
	// Append stores f, assigning an ID and creation time when unset.
	Append(ctx context.Context, f *models.PredictionFile) error

	// ListByUser returns the user's files, newest first.
	ListByUser(ctx context.Context, userID string) ([]*models.PredictionFile, error)
}

// prepareFile fills the ID and timestamp of a new record.
func prepareFile(f *models.PredictionFile) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
}

type pgPredictionFileRepository struct {
	db *database.DB
}

var _ PredictionFileRepository = (*pgPredictionFileRepository)(nil)

// NewPostgresPredictionFileRepository creates a registry backed by db.
func NewPostgresPredictionFileRepository(db *database.DB) PredictionFileRepository {
	return &pgPredictionFileRepository{db: db}
}

func (r *pgPredictionFileRepository) Append(ctx context.Context, f *models.PredictionFile) error {
	prepareFile(f)

	query := `
		INSERT INTO prediction_files (id, user_id, filename, row_count, column_count, upload_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Pool.Exec(ctx, query,
		f.ID, f.UserID, f.Filename, f.RowCount, f.ColumnCount, f.UploadNumber, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert prediction file: %w", err)
	}
	return nil
}

func (r *pgPredictionFileRepository) ListByUser(ctx context.Context, userID string) ([]*models.PredictionFile, error) {
	query := `
		SELECT id, user_id, filename, row_count, column_count, upload_number, created_at
		FROM prediction_files
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query prediction files: %w", err)
	}

	files, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.PredictionFile, error) {
		var f models.PredictionFile
		err := row.Scan(&f.ID, &f.UserID, &f.Filename, &f.RowCount, &f.ColumnCount, &f.UploadNumber, &f.CreatedAt)
		return &f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan prediction files: %w", err)
	}
	return files, nil
}
