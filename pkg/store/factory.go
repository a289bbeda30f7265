// pkg/store/factory.go
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/config"
)

// StoreFactory creates tabular store backends from configuration
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateFeatureLayerStore creates a hosted feature layer store from the
// FEATURE_LAYER_* environment
func (f *StoreFactory) CreateFeatureLayerStore(ctx context.Context) (*FeatureLayerStore, error) {
	f.logger.Info("Creating feature layer store")

	fsCfg, err := config.LoadFeatureServiceConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load feature service configuration: %w", err)
	}

	s := NewFeatureLayerStore(fsCfg.LayerURL, fsCfg.Token, fsCfg.RequestTimeout, f.logger).
		WithChunkSize(f.cfg.ChunkSize)
	return s, nil
}

// CreateLocalTable creates a PostgreSQL-backed local spatial table store
// from the POSTGRES_* environment
func (f *StoreFactory) CreateLocalTable(ctx context.Context, table string, columns []Column, keyColumns []string) (*LocalTable, error) {
	f.logger.Info("Creating local table store", zap.String("table", table))

	pgCfg, err := config.LoadPostgresConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load PostgreSQL configuration: %w", err)
	}

	db, err := sqlx.Open("postgres", pgCfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(pgCfg.MaxOpenConns)
	db.SetMaxIdleConns(pgCfg.MaxIdleConns)
	db.SetConnMaxLifetime(pgCfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pgCfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	lt := NewLocalTable(db, table, columns, keyColumns, f.logger)
	if err := lt.Validate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return lt, nil
}
