package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-predict/pkg/database"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// LookupRepository is the searchable copy of the reference values.
// Searches are case-insensitive substring matches; validation against the
// in-memory schema stays case-sensitive.
type LookupRepository interface {
	// InsertValues writes values in one transaction, ignoring duplicates on
	// (source, column_name, value). Returns the number of new rows.
	InsertValues(ctx context.Context, values []models.LookupValue) (int64, error)

	// HasColumn reports whether any source loaded the column.
	HasColumn(ctx context.Context, column string) (bool, error)

	// SearchColumns returns distinct column names containing query.
	SearchColumns(ctx context.Context, query string, limit int) ([]string, error)

	// SearchValues returns distinct values of column containing query.
	SearchValues(ctx context.Context, column, query string, limit int) ([]string, error)

	// ColumnValues returns distinct values of column in sorted order.
	ColumnValues(ctx context.Context, column string, limit int) ([]string, error)

	// Count returns the total number of stored values.
	Count(ctx context.Context) (int64, error)
}

// likePattern wraps query for a substring LIKE match, escaping wildcards
// with backslash.
func likePattern(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(query) + "%"
}

// pgLookupRepository implements LookupRepository on PostgreSQL.
type pgLookupRepository struct {
	db *database.DB
}

var _ LookupRepository = (*pgLookupRepository)(nil)

// NewPostgresLookupRepository creates a lookup repository backed by db.
func NewPostgresLookupRepository(db *database.DB) LookupRepository {
	return &pgLookupRepository{db: db}
}

func (r *pgLookupRepository) InsertValues(ctx context.Context, values []models.LookupValue) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	sources := make([]string, len(values))
	columns := make([]string, len(values))
	vals := make([]string, len(values))
	for i, v := range values {
		sources[i], columns[i], vals[i] = v.Source, v.Column, v.Value
	}

	query := `
		INSERT INTO reference_values (source, column_name, value)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[])
		ON CONFLICT (source, column_name, value) DO NOTHING`

	var inserted int64
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, sources, columns, vals)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert reference values: %w", err)
	}
	return inserted, nil
}

func (r *pgLookupRepository) HasColumn(ctx context.Context, column string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reference_values WHERE column_name = $1)`, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has column: %w", err)
	}
	return exists, nil
}

func (r *pgLookupRepository) SearchColumns(ctx context.Context, query string, limit int) ([]string, error) {
	sql := `
		SELECT DISTINCT column_name FROM reference_values
		WHERE column_name ILIKE $1 ESCAPE '\'
		ORDER BY column_name
		LIMIT $2`
	return r.strings(ctx, "search columns", sql, likePattern(query), limit)
}

func (r *pgLookupRepository) SearchValues(ctx context.Context, column, query string, limit int) ([]string, error) {
	sql := `
		SELECT DISTINCT value FROM reference_values
		WHERE column_name = $1 AND value ILIKE $2 ESCAPE '\'
		ORDER BY value
		LIMIT $3`
	return r.strings(ctx, "search values", sql, column, likePattern(query), limit)
}

func (r *pgLookupRepository) ColumnValues(ctx context.Context, column string, limit int) ([]string, error) {
	sql := `
		SELECT DISTINCT value FROM reference_values
		WHERE column_name = $1
		ORDER BY value
		LIMIT $2`
	return r.strings(ctx, "column values", sql, column, limit)
}

func (r *pgLookupRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM reference_values`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reference values: %w", err)
	}
	return n, nil
}

func (r *pgLookupRepository) strings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
