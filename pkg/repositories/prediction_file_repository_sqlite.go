package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// sqlitePredictionFileRepository stores creation time as Unix milliseconds.
type sqlitePredictionFileRepository struct {
	db *sql.DB
}

var _ PredictionFileRepository = (*sqlitePredictionFileRepository)(nil)

// NewSQLitePredictionFileRepository creates a registry backed by db.
func NewSQLitePredictionFileRepository(db *sql.DB) PredictionFileRepository {
	return &sqlitePredictionFileRepository{db: db}
}

func (r *sqlitePredictionFileRepository) Append(ctx context.Context, f *models.PredictionFile) error {
	prepareFile(f)

	query := `
		INSERT INTO prediction_files (id, user_id, filename, row_count, column_count, upload_number, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		f.ID.String(), f.UserID, f.Filename, f.RowCount, f.ColumnCount, f.UploadNumber, f.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert prediction file: %w", err)
	}
	return nil
}

func (r *sqlitePredictionFileRepository) ListByUser(ctx context.Context, userID string) ([]*models.PredictionFile, error) {
	query := `
		SELECT id, user_id, filename, row_count, column_count, upload_number, created_at_ms
		FROM prediction_files
		WHERE user_id = ?
		ORDER BY created_at_ms DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query prediction files: %w", err)
	}
	defer rows.Close()

	files := []*models.PredictionFile{}
	for rows.Next() {
		var (
			f         models.PredictionFile
			id        string
			createdMS int64
		)
		if err := rows.Scan(&id, &f.UserID, &f.Filename, &f.RowCount, &f.ColumnCount, &f.UploadNumber, &createdMS); err != nil {
			return nil, fmt.Errorf("scan prediction file: %w", err)
		}
		if f.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse prediction file id %q: %w", id, err)
		}
		f.CreatedAt = time.UnixMilli(createdMS).UTC()
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prediction files: %w", err)
	}
	return files, nil
}
