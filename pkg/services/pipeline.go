package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/features"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/results"
	"github.com/ekaya-inc/ekaya-predict/pkg/tabular"
	"github.com/ekaya-inc/ekaya-predict/pkg/validation"
)

// UploadRequest is one dataset submitted for prediction.
type UploadRequest struct {
	Body     io.Reader
	Filename string
	// UserID is optional. When set, the upload is counted, the produced
	// file registered and its predictions exported for that user.
	UserID string
}

// UploadResult is the enriched dataset and its export name.
type UploadResult struct {
	Table    *models.Table
	FileName string
	Verdict  *models.ValidationVerdict
	Unmapped map[string]int
}

// ValidationError carries a failed verdict out of the pipeline.
type ValidationError struct {
	Verdict *models.ValidationVerdict
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Verdict.Errors, "; ")
}

// PipelineService runs uploads through validation, encoding, prediction and
// assembly.
type PipelineService interface {
	// Process returns the enriched table, or one of: apperrors.ErrNotReady,
	// apperrors.ErrInvalidInput (unreadable CSV), *ValidationError,
	// apperrors.ErrConfidenceUnsupported, apperrors.ErrPredictionFailed.
	Process(ctx context.Context, req *UploadRequest) (*UploadResult, error)
}

type pipelineService struct {
	runtime  *RuntimeHolder
	activity *ActivityService
	exporter PredictionExporter
	now      func() time.Time
	logger   *zap.Logger
}

var _ PipelineService = (*pipelineService)(nil)

// NewPipelineService creates the upload pipeline. activity and exporter may
// be nil.
func NewPipelineService(runtime *RuntimeHolder, activity *ActivityService, exporter PredictionExporter, logger *zap.Logger) PipelineService {
	return newPipelineService(runtime, activity, exporter, time.Now, logger)
}

func newPipelineService(runtime *RuntimeHolder, activity *ActivityService, exporter PredictionExporter, now func() time.Time, logger *zap.Logger) *pipelineService {
	return &pipelineService{
		runtime:  runtime,
		activity: activity,
		exporter: exporter,
		now:      now,
		logger:   logger.Named("pipeline"),
	}
}

func (s *pipelineService) Process(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	// One snapshot for the whole request, even if a reload lands meanwhile.
	rt := s.runtime.Current()
	if rt == nil {
		return nil, apperrors.ErrNotReady
	}

	table, err := tabular.ReadCSV(req.Body)
	if err != nil {
		s.logger.Info("Rejected unreadable upload",
			zap.String("filename", req.Filename),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	s.logger.Info("Read upload",
		zap.String("filename", req.Filename),
		zap.Int("rows", table.NumRows()),
		zap.Int("columns", len(table.Columns)))

	verdict := validation.Validate(table, rt.Schema)
	if !verdict.IsValid {
		s.logger.Info("Upload failed validation",
			zap.String("filename", req.Filename),
			zap.Strings("errors", verdict.Errors))
		return nil, &ValidationError{Verdict: verdict}
	}

	hadID := table.HasColumn(models.IDColumn)
	encoded, stats := features.Encode(table.DropColumn(models.IDColumn), rt.Mapping)
	if n := stats.TotalUnmapped(); n > 0 {
		s.logger.Warn("Unmapped categorical values encoded as sentinel",
			zap.Int("total", n),
			zap.Any("per_column", stats.Unmapped))
	}

	preds, err := rt.Engine.Predict(ctx, encoded)
	if err != nil {
		return nil, err
	}
	if preds.Len() != table.NumRows() {
		return nil, fmt.Errorf("%w: got %d predictions for %d rows", apperrors.ErrPredictionFailed, preds.Len(), table.NumRows())
	}

	now := s.now()
	out, err := results.Assemble(table, preds, hadID, results.Options{
		Mapping:      rt.Mapping,
		TargetColumn: rt.TargetColumn,
		Now:          func() time.Time { return now },
	})
	if err != nil {
		return nil, fmt.Errorf("assemble results: %w", err)
	}

	result := &UploadResult{
		Table:    out,
		FileName: results.FileName(now),
		Verdict:  verdict,
		Unmapped: stats.Unmapped,
	}

	if req.UserID != "" && s.activity != nil {
		s.activity.RecordUpload(ctx, req.UserID, req.Filename, out)
	}
	if req.UserID != "" && s.exporter != nil {
		if err := s.exporter.Append(ctx, req.UserID, out); err != nil {
			s.logger.Warn("Failed to export predictions",
				zap.String("user_id", req.UserID),
				zap.String("filename", req.Filename),
				zap.Error(err))
		}
	}

	s.logger.Info("Upload processed",
		zap.String("filename", req.Filename),
		zap.String("output", result.FileName),
		zap.Int("rows", out.NumRows()),
		zap.Bool("had_id", hadID))
	return result, nil
}
