package storage

import (
	"context"
	"fmt"

	"github.com/bdougie/framecache/internal/config"
)

// Open returns the storage selected by cfg.Driver. Frame images are kept
// under frameDir for every driver.
func Open(ctx context.Context, cfg config.StorageConfig, frameDir string) (Storage, error) {
	switch cfg.Driver {
	case config.DriverJSON, "":
		return NewJSONStorage(frameDir, cfg.BatchSize), nil
	case config.DriverSQLite:
		return OpenSQLite(cfg.SQLitePath, frameDir)
	case config.DriverPostgres:
		return NewPostgresStorage(ctx, cfg.Postgres, frameDir)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
