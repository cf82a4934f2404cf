package store

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"go.uber.org/zap"
)

// ApplySQLitePragmas applies optional SQLite tuning statements when enabled via the
// STREAMSTATS_SQLITE_TUNING environment variable. Each pragma result is logged at info
// level. Connection-scoped pragmas the store depends on are set in the DSN instead.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB, logger *zap.Logger) {
	if os.Getenv("STREAMSTATS_SQLITE_TUNING") != "1" {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pragmas := []string{
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA mmap_size=268435456;",
		"PRAGMA cache_size=-65536;",
	}

	for _, pragma := range pragmas {
		if value, err := applyPragma(ctx, db, pragma); err != nil {
			logger.Warn("sqlite: pragma failed", zap.String("pragma", pragma), zap.Error(err))
		} else {
			logger.Info("sqlite: pragma applied", zap.String("pragma", pragma), zap.Any("value", value))
		}
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
