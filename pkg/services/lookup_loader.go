package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/repositories"
	"github.com/ekaya-inc/ekaya-predict/pkg/retry"
	"github.com/ekaya-inc/ekaya-predict/pkg/tabular"
)

// LookupJobState is the lifecycle state of a bulk load.
type LookupJobState string

const (
	LookupJobIdle      LookupJobState = "idle"
	LookupJobRunning   LookupJobState = "running"
	LookupJobCompleted LookupJobState = "completed"
	LookupJobFailed    LookupJobState = "failed"
)

// LookupJobStatus is a snapshot of the current or last bulk load.
type LookupJobStatus struct {
	State          LookupJobState `json:"state"`
	Files          []string       `json:"files"`
	CurrentFile    string         `json:"current_file,omitempty"`
	RowsRead       int64          `json:"rows_read"`
	ValuesInserted int64          `json:"values_inserted"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// LookupLoaderConfig tunes the bulk load.
type LookupLoaderConfig struct {
	Files []string
	// BatchSize is the number of CSV rows read per chunk.
	BatchSize int
	// CommitEveryRows is the number of rows accumulated per transaction.
	CommitEveryRows int
}

// LookupLoader copies the distinct values of every reference column into
// the lookup store. It runs one load at a time. Each commit is a
// checkpoint: an interrupted load keeps what was committed, and a rerun
// reads every column again and lets the store's uniqueness constraint drop
// the values it already holds.
type LookupLoader struct {
	repo     repositories.LookupRepository
	cfg      LookupLoaderConfig
	retryCfg *retry.Config
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	status  LookupJobStatus
	done    chan struct{}
}

// NewLookupLoader creates an idle loader.
func NewLookupLoader(repo repositories.LookupRepository, cfg LookupLoaderConfig, logger *zap.Logger) *LookupLoader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.CommitEveryRows < cfg.BatchSize {
		cfg.CommitEveryRows = cfg.BatchSize
	}
	return &LookupLoader{
		repo:     repo,
		cfg:      cfg,
		retryCfg: retry.DefaultConfig(),
		logger:   logger.Named("lookup-loader"),
		status:   LookupJobStatus{State: LookupJobIdle, Files: slices.Clone(cfg.Files)},
	}
}

// Start launches a load in the background. It returns apperrors.ErrConflict
// when a load is already running. ctx bounds the background job, so pass a
// process-lifetime context rather than a request context.
func (l *LookupLoader) Start(ctx context.Context) error {
	if err := l.begin(); err != nil {
		return err
	}
	go func() {
		_ = l.execute(ctx)
	}()
	return nil
}

// Run loads synchronously and returns the job's error.
func (l *LookupLoader) Run(ctx context.Context) error {
	if err := l.begin(); err != nil {
		return err
	}
	return l.execute(ctx)
}

// Status returns a snapshot of the current or last job.
func (l *LookupLoader) Status() LookupJobStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.status
	s.Files = slices.Clone(s.Files)
	return s
}

// Done returns a channel closed when the running job ends, or nil if no
// job has started.
func (l *LookupLoader) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *LookupLoader) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("%w: lookup load already running", apperrors.ErrConflict)
	}
	now := time.Now().UTC()
	l.running = true
	l.done = make(chan struct{})
	l.status = LookupJobStatus{
		State:     LookupJobRunning,
		Files:     slices.Clone(l.cfg.Files),
		StartedAt: &now,
	}
	return nil
}

func (l *LookupLoader) execute(ctx context.Context) error {
	start := time.Now()
	err := l.loadAll(ctx)

	l.mu.Lock()
	finished := time.Now().UTC()
	l.status.FinishedAt = &finished
	l.status.CurrentFile = ""
	if err != nil {
		l.status.State = LookupJobFailed
		l.status.Error = err.Error()
	} else {
		l.status.State = LookupJobCompleted
	}
	snapshot := l.status
	l.running = false
	close(l.done)
	l.mu.Unlock()

	if err != nil {
		l.logger.Error("Lookup load failed",
			zap.Int64("rows_read", snapshot.RowsRead),
			zap.Int64("values_inserted", snapshot.ValuesInserted),
			zap.Error(err))
		return err
	}
	l.logger.Info("Lookup load completed",
		zap.Int("files", len(snapshot.Files)),
		zap.Int64("rows_read", snapshot.RowsRead),
		zap.Int64("values_inserted", snapshot.ValuesInserted),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (l *LookupLoader) loadAll(ctx context.Context) error {
	if len(l.cfg.Files) == 0 {
		return errors.New("no reference files configured")
	}
	for _, path := range l.cfg.Files {
		if err := l.loadFile(ctx, path); err != nil {
			return fmt.Errorf("load %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func (l *LookupLoader) loadFile(ctx context.Context, path string) error {
	source := filepath.Base(path)
	l.update(func(s *LookupJobStatus) { s.CurrentFile = source })

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pending := newValueBuffer(source)
	pendingRows := 0

	flush := func() error {
		if pending.len() == 0 {
			pendingRows = 0
			return nil
		}
		values := pending.drain()
		var inserted int64
		err := retry.DoIfRetryable(ctx, l.retryCfg, func() error {
			var err error
			inserted, err = l.repo.InsertValues(ctx, values)
			return err
		})
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		l.update(func(s *LookupJobStatus) { s.ValuesInserted += inserted })
		l.logger.Info("Committed lookup values",
			zap.String("file", source),
			zap.Int("rows", pendingRows),
			zap.Int("values", len(values)),
			zap.Int64("inserted", inserted))
		pendingRows = 0
		return nil
	}

	err = tabular.StreamCSV(f, l.cfg.BatchSize, func(columns []string, rows [][]string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for j, column := range columns {
			for _, row := range rows {
				if j < len(row) {
					pending.add(column, row[j])
				}
			}
		}
		pendingRows += len(rows)
		l.update(func(s *LookupJobStatus) { s.RowsRead += int64(len(rows)) })

		if pendingRows >= l.cfg.CommitEveryRows {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

func (l *LookupLoader) update(fn func(*LookupJobStatus)) {
	l.mu.Lock()
	fn(&l.status)
	l.mu.Unlock()
}

// valueBuffer accumulates distinct non-empty values between commits.
type valueBuffer struct {
	source string
	seen   map[[2]string]struct{}
	values []models.LookupValue
}

func newValueBuffer(source string) *valueBuffer {
	return &valueBuffer{source: source, seen: make(map[[2]string]struct{})}
}

func (b *valueBuffer) add(column, cell string) {
	v := models.NormalizeCell(cell)
	if v == "" {
		return
	}
	key := [2]string{column, v}
	if _, ok := b.seen[key]; ok {
		return
	}
	b.seen[key] = struct{}{}
	b.values = append(b.values, models.LookupValue{Source: b.source, Column: column, Value: v})
}

func (b *valueBuffer) len() int {
	return len(b.values)
}

func (b *valueBuffer) drain() []models.LookupValue {
	out := b.values
	b.values = nil
	clear(b.seen)
	return out
}
