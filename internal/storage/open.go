package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hearthbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// timestamps are stored as sortable UTC text
const tsLayout = "2006-01-02T15:04:05.000Z"

// Store is the SQLite-backed task store and user directory.
type Store struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for created_at / updated_at on insert.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates the database file if needed, applies pragmas and migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" on a single database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	s := &Store{db: db, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("storage opened", logx.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) stamp() string { return formatTS(s.now()) }

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		// rows touched by the trigger carry strftime's format, which matches;
		// anything else falls back to RFC3339.
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}

func parseNullTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}
