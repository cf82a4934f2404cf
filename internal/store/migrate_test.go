package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "stats.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestMigrateLegacySchema(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	legacy := []string{
		`CREATE TABLE channels (
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
		`CREATE TABLE streams (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  channel_id INTEGER NOT NULL,
  stream_id TEXT NOT NULL,
  title TEXT,
  category TEXT,
  started_at INTEGER NOT NULL,
  ended_at INTEGER,
  UNIQUE (channel_id, stream_id)
);`,
		`CREATE TABLE stream_stats (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  stream_id INTEGER,
  collected_at INTEGER NOT NULL,
  viewer_count INTEGER,
  category TEXT,
  title TEXT,
  follower_count INTEGER
);`,
		`CREATE TABLE chat_messages (
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
		`INSERT INTO streams (channel_id, stream_id, started_at) VALUES (7, 's1', 1000);`,
		`INSERT INTO stream_stats (stream_id, collected_at, viewer_count) VALUES (1, 2000, 10), (NULL, 3000, 20);`,
		`INSERT INTO chat_messages (channel_id, timestamp, platform, user_id, badges) VALUES (7, 2000, 'twitch', 'u1', '');`,
	}
	for _, stmt := range legacy {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed legacy schema: %v", err)
		}
	}

	s := New(db, nil)
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	chatCols, err := sqliteTableInfo(ctx, db, "chat_messages")
	if err != nil {
		t.Fatalf("inspect chat columns: %v", err)
	}
	mt, ok := chatCols["message_type"]
	if !ok {
		t.Fatalf("expected message_type column")
	}
	if !mt.NotNull || mt.DefaultText != "'normal'" {
		t.Fatalf("unexpected message_type column %+v", mt)
	}
	for _, col := range []string{"display_name", "badge_info"} {
		if _, ok := chatCols[col]; !ok {
			t.Fatalf("expected %s column", col)
		}
	}

	chanCols, err := sqliteTableInfo(ctx, db, "channels")
	if err != nil {
		t.Fatalf("inspect channel columns: %v", err)
	}
	for _, col := range []string{"platform_user_id", "is_auto_discovered", "discovered_at"} {
		if _, ok := chanCols[col]; !ok {
			t.Fatalf("expected channels.%s", col)
		}
	}

	var linked, orphan sql.NullInt64
	if err := db.QueryRow(`SELECT channel_id FROM stream_stats WHERE collected_at = 2000`).Scan(&linked); err != nil {
		t.Fatalf("read backfill: %v", err)
	}
	if !linked.Valid || linked.Int64 != 7 {
		t.Fatalf("expected channel_id backfilled to 7, got %+v", linked)
	}
	if err := db.QueryRow(`SELECT channel_id FROM stream_stats WHERE collected_at = 3000`).Scan(&orphan); err != nil {
		t.Fatalf("read orphan: %v", err)
	}
	if orphan.Valid {
		t.Fatalf("unlinked sample must keep NULL channel_id, got %d", orphan.Int64)
	}

	var badges sql.NullString
	if err := db.QueryRow(`SELECT badges FROM chat_messages`).Scan(&badges); err != nil {
		t.Fatalf("read badges: %v", err)
	}
	if badges.Valid {
		t.Fatalf("empty legacy badges must become NULL, got %q", badges.String)
	}

	ok, err = sqliteHasIndex(ctx, db, "chat_messages", "idx_chat_channel_time")
	if err != nil || !ok {
		t.Fatalf("expected idx_chat_channel_time, ok=%v err=%v", ok, err)
	}

	version, err := sqliteUserVersion(ctx, db)
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != SchemaVersion() {
		t.Fatalf("user_version = %d, want %d", version, SchemaVersion())
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := s.Reapply(ctx); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	version, err := sqliteUserVersion(ctx, s.DB())
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != SchemaVersion() {
		t.Fatalf("user_version = %d, want %d", version, SchemaVersion())
	}
	cols, err := sqliteTableInfo(ctx, s.DB(), "stream_stats")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if _, ok := cols["channel_id"]; !ok {
		t.Fatalf("expected stream_stats.channel_id")
	}
}
