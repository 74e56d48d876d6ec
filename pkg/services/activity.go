package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/retry"
)

// ActivityStore persists per-user activity counters.
// Get returns apperrors.ErrNotFound for unknown users.
type ActivityStore interface {
	Get(ctx context.Context, userID string) (*models.UserActivity, error)
	Set(ctx context.Context, a *models.UserActivity) error
}

// ActivityIncrementer is implemented by stores that can bump a counter
// atomically. ActivityService prefers it over a Get/Set round trip.
type ActivityIncrementer interface {
	Increment(ctx context.Context, userID string, kind models.ActivityKind, at time.Time) (*models.UserActivity, error)
}

// PredictionFileRegistry records the enriched files returned to users.
type PredictionFileRegistry interface {
	Append(ctx context.Context, f *models.PredictionFile) error
	ListByUser(ctx context.Context, userID string) ([]*models.PredictionFile, error)
}

// ActivityService tracks searches, uploads and prediction files per user.
// Every store call is retried on transient errors. Callers on the upload
// path treat failures as non-fatal.
type ActivityService struct {
	store    ActivityStore
	registry PredictionFileRegistry
	retryCfg *retry.Config
	now      func() time.Time
	logger   *zap.Logger
}

// NewActivityService creates the service. registry may be nil, in which case
// prediction files are not recorded.
func NewActivityService(store ActivityStore, registry PredictionFileRegistry, logger *zap.Logger) *ActivityService {
	return &ActivityService{
		store:    store,
		registry: registry,
		retryCfg: retry.DefaultConfig(),
		now:      time.Now,
		logger:   logger.Named("activity-service"),
	}
}

// Stats returns the user's record, or a zeroed record when the user is
// unknown or the store cannot be reached.
func (s *ActivityService) Stats(ctx context.Context, userID string) *models.UserActivity {
	var a *models.UserActivity
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		var err error
		a, err = s.store.Get(ctx, userID)
		return err
	})
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.Warn("Failed to read user stats, returning defaults",
				zap.String("user_id", userID),
				zap.Error(err))
		}
		return models.NewUserActivity(userID)
	}
	return a
}

// Record bumps the counter for kind and returns the updated record.
func (s *ActivityService) Record(ctx context.Context, userID string, kind models.ActivityKind) (*models.UserActivity, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", apperrors.ErrInvalidInput)
	}
	at := s.now()

	if inc, ok := s.store.(ActivityIncrementer); ok {
		var a *models.UserActivity
		err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
			var err error
			a, err = inc.Increment(ctx, userID, kind, at)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", kind, err)
		}
		return a, nil
	}

	var a *models.UserActivity
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		var err error
		a, err = s.store.Get(ctx, userID)
		return err
	})
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		a = models.NewUserActivity(userID)
	case err != nil:
		// Writing defaults here would reset the user's counters.
		return nil, fmt.Errorf("read stats before %s: %w", kind, err)
	}

	a.Record(kind, at)
	if err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		return s.store.Set(ctx, a)
	}); err != nil {
		return nil, fmt.Errorf("record %s: %w", kind, err)
	}
	return a, nil
}

// RecordUpload counts an upload and registers the produced file. Failures
// are logged and swallowed.
func (s *ActivityService) RecordUpload(ctx context.Context, userID, filename string, output *models.Table) {
	a, err := s.Record(ctx, userID, models.ActivityUpload)
	if err != nil {
		s.logger.Warn("Failed to record upload",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	if s.registry == nil {
		return
	}

	file := &models.PredictionFile{
		UserID:      userID,
		Filename:    filename,
		RowCount:    output.NumRows(),
		ColumnCount: len(output.Columns),
	}
	if a != nil {
		file.UploadNumber = a.UploadCount
	}
	if err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		return s.registry.Append(ctx, file)
	}); err != nil {
		s.logger.Warn("Failed to store prediction file info",
			zap.String("user_id", userID),
			zap.String("filename", filename),
			zap.Error(err))
		return
	}
	s.logger.Info("Recorded prediction file",
		zap.String("user_id", userID),
		zap.Int("upload_number", file.UploadNumber))
}

// PredictionFiles lists the user's files, newest first.
func (s *ActivityService) PredictionFiles(ctx context.Context, userID string) ([]*models.PredictionFile, error) {
	if s.registry == nil {
		return []*models.PredictionFile{}, nil
	}
	var files []*models.PredictionFile
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		var err error
		files, err = s.registry.ListByUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list prediction files: %w", err)
	}
	if files == nil {
		files = []*models.PredictionFile{}
	}
	return files, nil
}

// MemoryActivityStore keeps activity in process memory. Records are lost
// on restart.
type MemoryActivityStore struct {
	mu      sync.Mutex
	records map[string]models.UserActivity
}

var (
	_ ActivityStore       = (*MemoryActivityStore)(nil)
	_ ActivityIncrementer = (*MemoryActivityStore)(nil)
)

// NewMemoryActivityStore creates an empty store.
func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{records: make(map[string]models.UserActivity)}
}

func (m *MemoryActivityStore) Get(_ context.Context, userID string) (*models.UserActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.records[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &a, nil
}

func (m *MemoryActivityStore) Set(_ context.Context, a *models.UserActivity) error {
	m.mu.Lock()
	m.records[a.UserID] = *a
	m.mu.Unlock()
	return nil
}

func (m *MemoryActivityStore) Increment(_ context.Context, userID string, kind models.ActivityKind, at time.Time) (*models.UserActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.records[userID]
	if !ok {
		a = *models.NewUserActivity(userID)
	}
	a.Record(kind, at)
	m.records[userID] = a
	out := a
	return &out, nil
}
