package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "halftimebot/pkg/logx"
)

const (
	openTimeout       = 10 * time.Second
	pruneEveryDefault = 500
)

// dialect is what differs between the SQL backends.
type dialect struct {
	name      string
	sqlDriver string
	schema    string
	returning bool
	maxOpen   int
	maxIdle   int
}

var (
	// A single connection serializes writers and keeps ":memory:" alive.
	sqliteDialect   = dialect{name: "sqlite", sqlDriver: "sqlite", schema: "schema_sqlite.sql", maxOpen: 1, maxIdle: 1}
	postgresDialect = dialect{name: "postgres", sqlDriver: "postgres", schema: "schema_postgres.sql", returning: true, maxOpen: 10, maxIdle: 2}
)

// Open returns the store for cfg.Driver. Empty, "memory" and "none" keep
// picks in process memory only.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", name))

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	switch name {
	case "", "memory", "none":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		dsn, err := sqliteDSN(cfg)
		if err != nil {
			return nil, err
		}
		return openSQL(ctx, sqliteDialect, dsn, log)
	case "postgres", "postgresql", "pq":
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, errors.New("postgres dsn is required")
		}
		return openSQL(ctx, postgresDialect, dsn, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", name)
	}
}

// sqliteDSN creates the parent directory and carries the pragmas in the DSN
// so every pooled connection gets them.
func sqliteDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("sqlite path is required")
	}
	q := url.Values{}
	if cfg.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	if path == ":memory:" {
		if len(q) == 0 {
			return path, nil
		}
		return "file::memory:?" + q.Encode(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode(), nil
}

func openSQL(ctx context.Context, d dialect, dsn string, log logx.Logger) (Store, error) {
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	db.SetMaxOpenConns(d.maxOpen)
	db.SetMaxIdleConns(d.maxIdle)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	st := &sqlStore{db: db, log: log, driver: d.name, returning: d.returning, pruneEvery: pruneEveryDefault}
	if err := st.migrate(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened")
	return st, nil
}
