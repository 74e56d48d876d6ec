package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/config"
	"github.com/ekaya-inc/ekaya-predict/pkg/database"
	"github.com/ekaya-inc/ekaya-predict/pkg/firestore"
	"github.com/ekaya-inc/ekaya-predict/pkg/repositories"
	"github.com/ekaya-inc/ekaya-predict/pkg/services"
	"github.com/ekaya-inc/ekaya-predict/pkg/sheets"
)

// storage holds the SQL-backed lookup store, file registry and spreadsheet
// IDs. All are nil when the lookup driver is "none".
type storage struct {
	lookup  repositories.LookupRepository
	files   repositories.PredictionFileRepository
	sheets  repositories.UserSheetRepository
	sqlDB   *sql.DB
	dialect database.Dialect
	closers []func()
}

func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStorage connects to the configured lookup database and applies
// pending migrations.
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	s := &storage{}

	switch cfg.Lookup.Driver {
	case config.LookupDriverPostgres:
		db, err := database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		}, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		s.sqlDB = db.StdDB()
		s.closers = append(s.closers, func() { s.sqlDB.Close() })
		s.dialect = database.DialectPostgres
		s.lookup = repositories.NewPostgresLookupRepository(db)
		s.files = repositories.NewPostgresPredictionFileRepository(db)
		s.sheets = repositories.NewPostgresUserSheetRepository(db)

	case config.LookupDriverSQLite:
		db, err := database.OpenSQLite(cfg.Lookup.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { db.Close() })
		s.sqlDB = db
		s.dialect = database.DialectSQLite
		s.lookup = repositories.NewSQLiteLookupRepository(db)
		s.files = repositories.NewSQLitePredictionFileRepository(db)
		s.sheets = repositories.NewSQLiteUserSheetRepository(db)
		logger.Info("Opened SQLite lookup store", zap.String("path", cfg.Lookup.SQLitePath))

	case config.LookupDriverNone:
		logger.Info("Lookup store disabled; searches use the in-memory schema")
		return s, nil

	default:
		return nil, fmt.Errorf("unknown lookup driver %q", cfg.Lookup.Driver)
	}

	if err := database.RunMigrations(s.sqlDB, s.dialect, logger); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// activityBackends builds the activity store and prediction file registry
// selected by configuration. The returned cleanup closes any clients opened.
func activityBackends(ctx context.Context, cfg *config.Config, st *storage, logger *zap.Logger) (services.ActivityStore, services.PredictionFileRegistry, func(), error) {
	cleanup := func() {}
	var fs *firestore.Client
	if cfg.Activity.Backend == config.ActivityBackendFirestore || cfg.Registry.Backend == config.RegistryBackendFirestore {
		fs = firestore.NewClient(cfg.Firestore, logger)
	}

	var store services.ActivityStore
	switch cfg.Activity.Backend {
	case config.ActivityBackendRedis:
		client, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, nil, cleanup, err
		}
		if client == nil {
			return nil, nil, cleanup, fmt.Errorf("activity backend %q requires redis.host", cfg.Activity.Backend)
		}
		cleanup = func() { closeRedis(client, logger) }
		store = database.NewRedisActivityStore(client, cfg.Redis.KeyPrefix)
		logger.Info("Activity store: redis", zap.String("addr", cfg.Redis.Addr()))
	case config.ActivityBackendFirestore:
		store = fs
		logger.Info("Activity store: firestore", zap.String("project_id", cfg.Firestore.ProjectID))
	default:
		store = services.NewMemoryActivityStore()
		logger.Info("Activity store: memory (counters reset on restart)")
	}

	var registry services.PredictionFileRegistry
	switch cfg.Registry.Backend {
	case config.RegistryBackendDatabase:
		if st.files != nil {
			registry = st.files
		}
	case config.RegistryBackendFirestore:
		registry = fs
	}
	return store, registry, cleanup, nil
}

func closeRedis(client *redis.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("Failed to close Redis client", zap.Error(err))
	}
}

// predictionExporter builds the spreadsheet exporter when enabled. It
// returns nil when export is off.
func predictionExporter(cfg *config.Config, st *storage, logger *zap.Logger) (services.PredictionExporter, error) {
	if !cfg.Sheets.Enabled {
		return nil, nil
	}
	if st.sheets == nil {
		return nil, fmt.Errorf("sheets export requires a lookup driver")
	}
	client, err := sheets.NewClient(cfg.Sheets, logger)
	if err != nil {
		return nil, fmt.Errorf("sheets client: %w", err)
	}
	logger.Info("Prediction export: google sheets")
	return services.NewSheetExporter(client, st.sheets, logger), nil
}
