package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/classifier"
	"github.com/ekaya-inc/ekaya-predict/pkg/config"
	"github.com/ekaya-inc/ekaya-predict/pkg/features"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/prediction"
	"github.com/ekaya-inc/ekaya-predict/pkg/schema"
	"github.com/ekaya-inc/ekaya-predict/pkg/tabular"
)

// RuntimeConfig names the artifacts a Runtime is built from.
type RuntimeConfig struct {
	ReferenceFiles []string
	ModelPath      string
	MappingsPath   string
	TargetColumn   string
}

// RuntimeConfigFrom extracts the runtime artifact paths from the service config.
func RuntimeConfigFrom(cfg *config.Config) RuntimeConfig {
	return RuntimeConfig{
		ReferenceFiles: slices.Clone(cfg.Reference.Files),
		ModelPath:      cfg.Model.Path,
		MappingsPath:   cfg.Model.MappingsPath,
		TargetColumn:   cfg.Model.TargetColumn,
	}
}

// Runtime is the immutable state every upload request reads: the reference
// schema, the label mapping and the prediction engine. A Runtime is never
// modified after construction; reloading builds a new one.
type Runtime struct {
	Schema       *models.ReferenceSchema
	Mapping      models.LabelMapping
	Engine       *prediction.Engine
	TargetColumn string
	ModelInfo    map[string]any
	LoadedAt     time.Time
}

// NewRuntime assembles a Runtime from already-loaded parts.
func NewRuntime(refSchema *models.ReferenceSchema, mapping models.LabelMapping, model classifier.Predictor, targetColumn string, logger *zap.Logger) (*Runtime, error) {
	if refSchema == nil {
		return nil, errors.New("runtime requires a reference schema")
	}
	if mapping == nil {
		mapping = models.LabelMapping{}
	}
	engine, err := prediction.NewEngine(model, logger)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Schema:       refSchema,
		Mapping:      mapping,
		Engine:       engine,
		TargetColumn: targetColumn,
		LoadedAt:     time.Now().UTC(),
	}
	if d, ok := model.(classifier.Describer); ok {
		rt.ModelInfo = d.Describe()
	}
	return rt, nil
}

// LoadRuntime reads the reference files, the label mapping and the model.
// Any failure is returned wrapped in the matching apperrors sentinel.
func LoadRuntime(ctx context.Context, cfg RuntimeConfig, logger *zap.Logger) (*Runtime, error) {
	refSchema, err := schema.Load(ctx, cfg.ReferenceFiles, logger)
	if err != nil {
		return nil, err
	}

	mapping, err := features.LoadMapping(cfg.MappingsPath)
	if err != nil {
		return nil, err
	}
	logger.Info("Label mappings loaded",
		zap.String("path", cfg.MappingsPath),
		zap.Int("columns", len(mapping)))

	model, err := classifier.LoadTreeEnsemble(cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	rt, err := NewRuntime(refSchema, mapping, model, cfg.TargetColumn, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Model loaded",
		zap.String("path", cfg.ModelPath),
		zap.Any("model", rt.ModelInfo))

	if cfg.TargetColumn != "" && !mapping.HasColumn(cfg.TargetColumn) {
		logger.Warn("Target column has no label mapping, predictions will be raw class codes",
			zap.String("target_column", cfg.TargetColumn))
	}
	return rt, nil
}

// RuntimeLoader builds a Runtime from configuration.
type RuntimeLoader func(ctx context.Context, cfg RuntimeConfig, logger *zap.Logger) (*Runtime, error)

// RuntimeHolder publishes the current Runtime. Readers take a snapshot with
// Current and keep using it for the whole request, so a concurrent reload
// never changes state under an in-flight upload.
type RuntimeHolder struct {
	current  atomic.Pointer[Runtime]
	reloadMu sync.Mutex
	cfg      RuntimeConfig
	load     RuntimeLoader
	logger   *zap.Logger
}

// NewRuntimeHolder creates an empty holder. Call Reload (or Store) before
// serving uploads.
func NewRuntimeHolder(cfg RuntimeConfig, logger *zap.Logger) *RuntimeHolder {
	return NewRuntimeHolderWithLoader(cfg, LoadRuntime, logger)
}

// NewRuntimeHolderWithLoader is NewRuntimeHolder with a custom loader.
func NewRuntimeHolderWithLoader(cfg RuntimeConfig, load RuntimeLoader, logger *zap.Logger) *RuntimeHolder {
	return &RuntimeHolder{
		cfg:    cfg,
		load:   load,
		logger: logger.Named("runtime"),
	}
}

// Current returns the published Runtime, or nil when none has loaded yet.
func (h *RuntimeHolder) Current() *Runtime {
	return h.current.Load()
}

// Store publishes rt.
func (h *RuntimeHolder) Store(rt *Runtime) {
	h.current.Store(rt)
}

// Reload builds a fresh Runtime and publishes it. On failure the previous
// Runtime stays in place. Concurrent reloads are serialized.
func (h *RuntimeHolder) Reload(ctx context.Context) (*Runtime, error) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	start := time.Now()
	rt, err := h.load(ctx, h.cfg, h.logger)
	if err != nil {
		h.logger.Error("Runtime reload failed, keeping previous state",
			zap.Bool("had_previous", h.Current() != nil),
			zap.Error(err))
		return nil, fmt.Errorf("reload runtime: %w", err)
	}

	h.current.Store(rt)
	h.logger.Info("Runtime loaded",
		zap.Int("required_columns", len(rt.Schema.RequiredColumns)),
		zap.Duration("elapsed", time.Since(start)))
	return rt, nil
}

// FileStatus describes one reference file on disk.
type FileStatus struct {
	Exists bool    `json:"exists"`
	SizeMB float64 `json:"size_mb"`
}

// RuntimeStatus is the readiness report for the status endpoint.
type RuntimeStatus struct {
	Ready          bool                  `json:"ready"`
	ReferenceFiles map[string]FileStatus `json:"csv_files"`
	ModelLoaded    bool                  `json:"model_loaded"`
	MappingsLoaded bool                  `json:"mappings_loaded"`
	LoadedAt       *time.Time            `json:"loaded_at,omitempty"`
	Model          map[string]any        `json:"model,omitempty"`
}

// Status reports file presence and whether a Runtime is published. The
// service is ready only when every reference file exists and a Runtime
// with a model and mapping is loaded.
func (h *RuntimeHolder) Status() *RuntimeStatus {
	st := &RuntimeStatus{ReferenceFiles: make(map[string]FileStatus, len(h.cfg.ReferenceFiles))}

	allExist := len(h.cfg.ReferenceFiles) > 0
	for _, path := range h.cfg.ReferenceFiles {
		fs := FileStatus{}
		if info, err := os.Stat(path); err == nil {
			fs.Exists = true
			fs.SizeMB = float64(info.Size()) / (1024 * 1024)
		} else {
			allExist = false
		}
		st.ReferenceFiles[filepath.Base(path)] = fs
	}

	if rt := h.Current(); rt != nil {
		st.ModelLoaded = rt.Engine != nil
		st.MappingsLoaded = rt.Mapping != nil
		loaded := rt.LoadedAt
		st.LoadedAt = &loaded
		st.Model = rt.ModelInfo
	}
	st.Ready = allExist && st.ModelLoaded && st.MappingsLoaded
	return st
}

// sampleRows is how many rows SystemReport reads from each reference file.
const sampleRows = 5

var errSampleDone = errors.New("sample complete")

// ReferenceFileReport is the diagnostic view of one reference file.
type ReferenceFileReport struct {
	File       string   `json:"file"`
	Exists     bool     `json:"exists"`
	SizeMB     float64  `json:"size_mb,omitempty"`
	Columns    []string `json:"columns,omitempty"`
	SampleRows int      `json:"sample_rows,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// SystemReport is the diagnostic answer of GET /api/debug/system.
type SystemReport struct {
	ReferenceFiles []ReferenceFileReport `json:"csv_files"`
	TotalSizeMB    float64               `json:"total_size_mb"`
	ModelLoaded    bool                  `json:"model_loaded"`
	ModelType      *string               `json:"model_type"`
	MappingsLoaded bool                  `json:"mappings_loaded"`
	MappingsCount  int                   `json:"mappings_count"`
	SystemReady    bool                  `json:"system_ready"`
}

// SystemReport reads the header and first rows of every reference file and
// describes the published Runtime. Unreadable files are reported per file.
func (h *RuntimeHolder) SystemReport() *SystemReport {
	report := &SystemReport{ReferenceFiles: make([]ReferenceFileReport, 0, len(h.cfg.ReferenceFiles))}
	for _, path := range h.cfg.ReferenceFiles {
		fr := sampleReferenceFile(path)
		report.TotalSizeMB += fr.SizeMB
		report.ReferenceFiles = append(report.ReferenceFiles, fr)
	}

	if rt := h.Current(); rt != nil {
		if rt.Engine != nil {
			report.ModelLoaded = true
			modelType := rt.Engine.ModelType()
			report.ModelType = &modelType
		}
		report.MappingsLoaded = rt.Mapping != nil
		report.MappingsCount = len(rt.Mapping)
	}
	report.SystemReady = h.Status().Ready
	return report
}

func sampleReferenceFile(path string) ReferenceFileReport {
	fr := ReferenceFileReport{File: filepath.Base(path)}
	info, err := os.Stat(path)
	if err != nil {
		fr.Error = "file not found"
		return fr
	}
	fr.Exists = true
	fr.SizeMB = float64(info.Size()) / (1024 * 1024)

	f, err := os.Open(path)
	if err != nil {
		fr.Error = err.Error()
		return fr
	}
	defer f.Close()

	err = tabular.StreamCSV(f, sampleRows, func(columns []string, rows [][]string) error {
		fr.Columns = columns
		fr.SampleRows = len(rows)
		return errSampleDone
	})
	if err != nil && !errors.Is(err, errSampleDone) {
		fr.Error = err.Error()
	}
	return fr
}
