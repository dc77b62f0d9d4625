package db

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/config"
	"github.com/kandev/researchd/internal/common/logger"
)

// Provide opens the configured catalog database.
func Provide(cfg *config.Config, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		pool, err := OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		log.Info("Database initialized",
			zap.String("db_path", cfg.Database.Path),
			zap.String("db_driver", "sqlite"))
		cleanup := func() error {
			// Refresh planner statistics on the way out.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil
	case "postgres":
		pool, err := OpenPostgres(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized", zap.String("db_driver", "postgres"))
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
