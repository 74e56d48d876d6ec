package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// sqliteLookupRepository implements LookupRepository on the embedded
// SQLite store. LIKE is case-insensitive for ASCII only.
type sqliteLookupRepository struct {
	db *sql.DB
}

var _ LookupRepository = (*sqliteLookupRepository)(nil)

// NewSQLiteLookupRepository creates a lookup repository backed by db.
func NewSQLiteLookupRepository(db *sql.DB) LookupRepository {
	return &sqliteLookupRepository{db: db}
}

func (r *sqliteLookupRepository) InsertValues(ctx context.Context, values []models.LookupValue) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO reference_values (source, column_name, value) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, v := range values {
		res, err := stmt.ExecContext(ctx, v.Source, v.Column, v.Value)
		if err != nil {
			return 0, fmt.Errorf("insert reference value: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (r *sqliteLookupRepository) HasColumn(ctx context.Context, column string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM reference_values WHERE column_name = ?)`, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has column: %w", err)
	}
	return exists, nil
}

func (r *sqliteLookupRepository) SearchColumns(ctx context.Context, query string, limit int) ([]string, error) {
	q := `
		SELECT DISTINCT column_name FROM reference_values
		WHERE column_name LIKE ? ESCAPE '\'
		ORDER BY column_name
		LIMIT ?`
	return r.strings(ctx, "search columns", q, likePattern(query), limit)
}

func (r *sqliteLookupRepository) SearchValues(ctx context.Context, column, query string, limit int) ([]string, error) {
	q := `
		SELECT DISTINCT value FROM reference_values
		WHERE column_name = ? AND value LIKE ? ESCAPE '\'
		ORDER BY value
		LIMIT ?`
	return r.strings(ctx, "search values", q, column, likePattern(query), limit)
}

func (r *sqliteLookupRepository) ColumnValues(ctx context.Context, column string, limit int) ([]string, error) {
	q := `
		SELECT DISTINCT value FROM reference_values
		WHERE column_name = ?
		ORDER BY value
		LIMIT ?`
	return r.strings(ctx, "column values", q, column, limit)
}

func (r *sqliteLookupRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reference_values`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reference values: %w", err)
	}
	return n, nil
}

func (r *sqliteLookupRepository) strings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
