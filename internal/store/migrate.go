package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migration is one step of the schema history. Every step must be safe to
// re-run against a database that already has it applied.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "base tables", migrateBaseTables},
	{2, "channel identity columns", migrateChannelIdentity},
	{3, "chat message detail columns", migrateChatDetail},
	{4, "stream_stats channel reference", migrateSampleChannel},
	{5, "query indexes", migrateIndexes},
}

// SchemaVersion is the user_version after all migrations are applied.
func SchemaVersion() int { return migrations[len(migrations)-1].version }

// Migrate applies pending migrations in order, each in its own transaction.
// Progress is recorded in PRAGMA user_version.
func (s *Store) Migrate(ctx context.Context) error {
	current, err := sqliteUserVersion(ctx, s.db)
	if err != nil {
		return errors.Wrap(err, "sqlite: user_version")
	}
	s.log.Info("store: migrate",
		zap.String("path", sqlitePath(ctx, s.db)),
		zap.Int("user_version", current),
		zap.Int("target_version", SchemaVersion()),
	)

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.log.Info("store: applied migration", zap.Int("version", m.version), zap.String("name", m.name))
	}
	return nil
}

// Reapply runs every migration again regardless of user_version. Used to
// repair databases whose version header was reset.
func (s *Store) Reapply(ctx context.Context) error {
	for _, m := range migrations {
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "sqlite: begin migration %d", m.version)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = m.apply(ctx, tx); err != nil {
		return errors.Wrapf(err, "sqlite: migration %d (%s)", m.version, m.name)
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", m.version)); err != nil {
		return errors.Wrapf(err, "sqlite: set user_version %d", m.version)
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrapf(err, "sqlite: commit migration %d", m.version)
	}
	return nil
}

func migrateBaseTables(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  platform TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  channel_name TEXT NOT NULL DEFAULT '',
  display_name TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1,
  poll_interval INTEGER NOT NULL DEFAULT 60,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE (platform, channel_id)
);`,
		`CREATE TABLE IF NOT EXISTS streams (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  channel_id INTEGER NOT NULL,
  stream_id TEXT NOT NULL,
  title TEXT,
  category TEXT,
  started_at INTEGER NOT NULL,
  ended_at INTEGER,
  UNIQUE (channel_id, stream_id)
);`,
		`CREATE TABLE IF NOT EXISTS stream_stats (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  stream_id INTEGER,
  collected_at INTEGER NOT NULL,
  viewer_count INTEGER,
  category TEXT,
  title TEXT,
  follower_count INTEGER
);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  channel_id INTEGER NOT NULL,
  stream_id INTEGER,
  timestamp INTEGER NOT NULL,
  platform TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  badges TEXT
);`,
		`CREATE TABLE IF NOT EXISTS game_categories (
  game_id TEXT PRIMARY KEY,
  game_name TEXT NOT NULL DEFAULT '',
  box_art_url TEXT NOT NULL DEFAULT '',
  last_updated INTEGER NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateChannelIdentity(ctx context.Context, tx *sql.Tx) error {
	cols := []struct{ name, ddl string }{
		{"platform_user_id", `ALTER TABLE channels ADD COLUMN platform_user_id TEXT NOT NULL DEFAULT '';`},
		{"is_auto_discovered", `ALTER TABLE channels ADD COLUMN is_auto_discovered INTEGER NOT NULL DEFAULT 0;`},
		{"discovered_at", `ALTER TABLE channels ADD COLUMN discovered_at INTEGER;`},
	}
	for _, c := range cols {
		if err := addColumnIfMissing(ctx, tx, "channels", c.name, c.ddl); err != nil {
			return err
		}
	}
	return nil
}

func migrateChatDetail(ctx context.Context, tx *sql.Tx) error {
	cols := []struct{ name, ddl string }{
		{"display_name", `ALTER TABLE chat_messages ADD COLUMN display_name TEXT NOT NULL DEFAULT '';`},
		{"message_type", `ALTER TABLE chat_messages ADD COLUMN message_type TEXT NOT NULL DEFAULT 'normal';`},
		{"badge_info", `ALTER TABLE chat_messages ADD COLUMN badge_info TEXT;`},
	}
	for _, c := range cols {
		if err := addColumnIfMissing(ctx, tx, "chat_messages", c.name, c.ddl); err != nil {
			return err
		}
	}
	// Early builds stored "" for unknown badges.
	_, err := tx.ExecContext(ctx, `UPDATE chat_messages SET badges = NULL WHERE badges = '';`)
	return err
}

func migrateSampleChannel(ctx context.Context, tx *sql.Tx) error {
	if err := addColumnIfMissing(ctx, tx, "stream_stats", "channel_id",
		`ALTER TABLE stream_stats ADD COLUMN channel_id INTEGER;`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE stream_stats
SET channel_id = (SELECT st.channel_id FROM streams st WHERE st.id = stream_stats.stream_id)
WHERE channel_id IS NULL AND stream_id IS NOT NULL;`)
	return err
}

func migrateIndexes(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_streams_channel_open ON streams(channel_id, ended_at, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_category ON streams(category);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_stats_channel_time ON stream_stats(channel_id, collected_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_stats_stream_time ON stream_stats(stream_id, collected_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_stats_time ON stream_stats(collected_at);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_channel_time ON chat_messages(channel_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_stream ON chat_messages(stream_id);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_user_time ON chat_messages(user_id, timestamp);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addColumnIfMissing(ctx context.Context, q queryer, table, column, ddl string) error {
	cols, err := sqliteTableInfo(ctx, q, table)
	if err != nil {
		return fmt.Errorf("describe %s: %w", table, err)
	}
	if _, ok := cols[column]; ok {
		return nil
	}
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	if err := rows.Err(); err != nil {
		return "(unknown)"
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, q queryer, table string) (map[string]sqliteColumn, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, q queryer, table, index string) (bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
