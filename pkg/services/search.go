package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/audit"
	"github.com/ekaya-inc/ekaya-predict/pkg/logging"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/repositories"
	"github.com/ekaya-inc/ekaya-predict/pkg/schema"
	"github.com/ekaya-inc/ekaya-predict/pkg/sql"
)

// Search limits.
const (
	DefaultSearchLimit = 100
	DefaultValuesLimit = 1000
	MaxLimit           = 10000
)

// SearchService answers column and value lookups over the reference data.
//
// Matching is case-insensitive substring search, unlike upload validation,
// which compares values case-sensitively. Value searches use the lookup
// store when it holds the column and fall back to the in-memory schema.
type SearchService struct {
	runtime *RuntimeHolder
	lookup  repositories.LookupRepository
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
}

// NewSearchService creates the service. lookup may be nil.
func NewSearchService(runtime *RuntimeHolder, lookup repositories.LookupRepository, auditor *audit.SecurityAuditor, logger *zap.Logger) *SearchService {
	return &SearchService{
		runtime: runtime,
		lookup:  lookup,
		auditor: auditor,
		logger:  logger.Named("search-service"),
	}
}

func (s *SearchService) schema() (*models.ReferenceSchema, error) {
	rt := s.runtime.Current()
	if rt == nil {
		return nil, apperrors.ErrNotReady
	}
	return rt.Schema, nil
}

// screen rejects input flagged by libinjection with ErrInvalidInput.
func (s *SearchService) screen(ctx context.Context, endpoint string, params map[string]string) error {
	flagged := sql.CheckAllParameters(params)
	if len(flagged) == 0 {
		return nil
	}
	for _, f := range flagged {
		if s.auditor != nil {
			s.auditor.LogInjectionAttempt(ctx, audit.SQLInjectionDetails{
				ParamName:   f.ParamName,
				ParamValue:  logging.SanitizeSearchInput(f.ParamValue),
				Fingerprint: f.Fingerprint,
				Endpoint:    endpoint,
			})
		}
	}
	return fmt.Errorf("%w: parameter %q contains a disallowed pattern", apperrors.ErrInvalidInput, flagged[0].ParamName)
}

// SearchColumns returns the reference columns whose name contains query.
func (s *SearchService) SearchColumns(ctx context.Context, query string) ([]string, error) {
	refSchema, err := s.schema()
	if err != nil {
		return nil, err
	}
	if err := s.screen(ctx, "search/column", map[string]string{"query": query}); err != nil {
		return nil, err
	}

	matches := []string{}
	for _, column := range refSchema.RequiredColumns {
		if containsFold(column, query) {
			matches = append(matches, column)
		}
	}
	return matches, nil
}

// SearchValues returns up to limit values of column containing query.
// Unknown columns return apperrors.ErrNotFound.
func (s *SearchService) SearchValues(ctx context.Context, column, query string, limit int) ([]string, error) {
	refSchema, err := s.schema()
	if err != nil {
		return nil, err
	}
	if err := s.screen(ctx, "search/value", map[string]string{"column": column, "query": query}); err != nil {
		return nil, err
	}
	if !refSchema.HasColumn(column) {
		return nil, fmt.Errorf("%w: column %q", apperrors.ErrNotFound, column)
	}
	limit = clampLimit(limit, DefaultSearchLimit)

	if values, ok := s.fromLookup(ctx, column, func() ([]string, error) {
		return s.lookup.SearchValues(ctx, column, query, limit)
	}); ok {
		return values, nil
	}

	matches := []string{}
	for _, v := range refSchema.SortedValues(column) {
		if containsFold(v, query) {
			matches = append(matches, v)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}

// ColumnValues returns up to limit distinct values of column in sorted order.
func (s *SearchService) ColumnValues(ctx context.Context, column string, limit int) ([]string, error) {
	refSchema, err := s.schema()
	if err != nil {
		return nil, err
	}
	if !refSchema.HasColumn(column) {
		return nil, fmt.Errorf("%w: column %q", apperrors.ErrNotFound, column)
	}
	limit = clampLimit(limit, DefaultValuesLimit)

	if values, ok := s.fromLookup(ctx, column, func() ([]string, error) {
		return s.lookup.ColumnValues(ctx, column, limit)
	}); ok {
		return values, nil
	}

	values := refSchema.SortedValues(column)
	if len(values) > limit {
		values = values[:limit]
	}
	return values, nil
}

// ColumnInfo summarises every reference column.
func (s *SearchService) ColumnInfo(_ context.Context) (map[string]models.ColumnInfo, error) {
	refSchema, err := s.schema()
	if err != nil {
		return nil, err
	}
	return schema.ColumnInfo(refSchema), nil
}

// LookupReady reports whether the lookup store holds any values.
func (s *SearchService) LookupReady(ctx context.Context) bool {
	if s.lookup == nil {
		return false
	}
	n, err := s.lookup.Count(ctx)
	if err != nil {
		s.logger.Warn("Lookup store count failed", zap.Error(err))
		return false
	}
	return n > 0
}

// fromLookup runs query against the lookup store when it holds column.
// The second result is false when the caller should use the in-memory schema.
func (s *SearchService) fromLookup(ctx context.Context, column string, query func() ([]string, error)) ([]string, bool) {
	if s.lookup == nil {
		return nil, false
	}
	has, err := s.lookup.HasColumn(ctx, column)
	if err != nil {
		s.logger.Warn("Lookup store unavailable, using in-memory schema",
			zap.String("column", column),
			zap.Error(err))
		return nil, false
	}
	if !has {
		return nil, false
	}
	values, err := query()
	if err != nil {
		s.logger.Warn("Lookup query failed, using in-memory schema",
			zap.String("column", column),
			zap.Error(err))
		return nil, false
	}
	if values == nil {
		values = []string{}
	}
	return values, true
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
