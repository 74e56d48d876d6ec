package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/repositories"
	"github.com/ekaya-inc/ekaya-predict/pkg/results"
	"github.com/ekaya-inc/ekaya-predict/pkg/retry"
)

// PredictionExporter publishes a user's enriched upload outside the service.
type PredictionExporter interface {
	Append(ctx context.Context, userID string, table *models.Table) error
}

// SheetsAPI is the spreadsheet surface the exporter needs.
type SheetsAPI interface {
	CreateSpreadsheet(ctx context.Context, title string, header []string) (string, error)
	AppendRows(ctx context.Context, spreadsheetID string, rows [][]string) (int, error)
}

// sheetHeader is the first row of every user spreadsheet.
var sheetHeader = []string{"ID", "Prediction", "Confidence", "Timestamp"}

// sheetColumns are the result columns copied, in sheetHeader order.
var sheetColumns = []string{models.IDColumn, results.ColumnPrediction, results.ColumnConfidence, results.ColumnTimestamp}

// SheetExporter appends each user's predictions to a spreadsheet created on
// their first export. The spreadsheet ID is kept in the lookup store.
type SheetExporter struct {
	api      SheetsAPI
	sheets   repositories.UserSheetRepository
	retryCfg *retry.Config
	logger   *zap.Logger

	// mu keeps concurrent first exports for one user from creating two
	// spreadsheets.
	mu sync.Mutex
}

var _ PredictionExporter = (*SheetExporter)(nil)

// NewSheetExporter creates an exporter over api and the sheet ID store.
func NewSheetExporter(api SheetsAPI, sheets repositories.UserSheetRepository, logger *zap.Logger) *SheetExporter {
	return &SheetExporter{
		api:      api,
		sheets:   sheets,
		retryCfg: retry.DefaultConfig(),
		logger:   logger.Named("sheet-export"),
	}
}

// Append writes the ID, prediction, confidence and timestamp of every row.
func (e *SheetExporter) Append(ctx context.Context, userID string, table *models.Table) error {
	rows, err := sheetRows(table)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	sheetID, err := e.sheetFor(ctx, userID)
	if err != nil {
		return err
	}

	var written int
	err = retry.DoIfRetryable(ctx, e.retryCfg, func() error {
		var err error
		written, err = e.api.AppendRows(ctx, sheetID, rows)
		return err
	})
	if err != nil {
		return fmt.Errorf("append predictions: %w", err)
	}
	e.logger.Info("Exported predictions",
		zap.String("user_id", userID),
		zap.String("spreadsheet_id", sheetID),
		zap.Int("rows", written))
	return nil
}

// sheetFor returns the user's spreadsheet, creating and recording it on the
// first call.
func (e *SheetExporter) sheetFor(ctx context.Context, userID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sheetID string
	err := retry.DoIfRetryable(ctx, e.retryCfg, func() error {
		var err error
		sheetID, err = e.sheets.GetSheetID(ctx, userID)
		return err
	})
	if err == nil {
		return sheetID, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return "", fmt.Errorf("get user sheet: %w", err)
	}

	err = retry.DoIfRetryable(ctx, e.retryCfg, func() error {
		var err error
		sheetID, err = e.api.CreateSpreadsheet(ctx, "Predictions for User "+userID, sheetHeader)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create user sheet: %w", err)
	}

	err = retry.DoIfRetryable(ctx, e.retryCfg, func() error {
		return e.sheets.StoreSheetID(ctx, userID, sheetID)
	})
	if err != nil {
		e.logger.Error("Created spreadsheet but could not record it",
			zap.String("user_id", userID),
			zap.String("spreadsheet_id", sheetID),
			zap.Error(err))
		return "", fmt.Errorf("store user sheet: %w", err)
	}
	e.logger.Info("Created user spreadsheet",
		zap.String("user_id", userID),
		zap.String("spreadsheet_id", sheetID))
	return sheetID, nil
}

func sheetRows(table *models.Table) ([][]string, error) {
	idx := make([]int, len(sheetColumns))
	for i, name := range sheetColumns {
		if idx[i] = table.ColumnIndex(name); idx[i] < 0 {
			return nil, fmt.Errorf("result table has no %s column", name)
		}
	}

	rows := make([][]string, 0, table.NumRows())
	for _, row := range table.Rows {
		out := make([]string, len(idx))
		for i, j := range idx {
			out[i] = row[j]
		}
		rows = append(rows, out)
	}
	return rows, nil
}
