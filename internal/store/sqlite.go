package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is the telemetry store. The underlying *sql.DB is the connection
// pool: every statement acquires a connection and releases it on return,
// including error paths. SQLite serializes writers; readers proceed under WAL.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Options configure Open.
type Options struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
	Logger       *zap.Logger
}

const (
	defaultMaxOpenConns = 4
	defaultBusyTimeout  = 5 * time.Second
)

// Open opens (creating if needed) the SQLite database at opts.Path. Call
// Migrate before issuing queries against a fresh file.
func Open(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	conns := opts.MaxOpenConns
	if conns <= 0 {
		conns = defaultMaxOpenConns
	}

	db, err := sql.Open("sqlite", buildDSN(path, busy))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}

	s := New(db, opts.Logger)
	ApplySQLitePragmas(context.Background(), db, s.log)
	return s, nil
}

// New wraps an already opened pool.
func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, log: logger, now: time.Now}
}

// buildDSN applies per-connection pragmas. busy_timeout has to be set on every
// pooled connection, which is why it lives in the DSN and not in a one-off Exec.
func buildDSN(path string, busy time.Duration) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_txlock", "immediate")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the pool for migrations and diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// SetClock overrides the wall clock used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) String() string {
	return fmt.Sprintf("Store{%p}", s.db)
}

func toMS(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMS(*t), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func ptrInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func ptrString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func ptrTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
