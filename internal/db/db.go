// Package db stores the attempt log and run history in SQLite.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultBusyTimeout covers a git hook writing while the daemon holds the
// write lock for a batch.
const DefaultBusyTimeout = 5 * time.Second

// ErrSchemaBehind is returned by a read-only open of a database that an
// older vigil created and no writer has migrated yet.
var ErrSchemaBehind = errors.New("database schema is behind this vigil version")

// DB is an open attempt log.
type DB struct {
	sql      *sql.DB
	path     string
	readOnly bool
}

type options struct {
	busyTimeout time.Duration
	readOnly    bool
}

// Option tunes Open.
type Option func(*options)

// WithBusyTimeout sets how long a statement waits on another process's lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// ReadOnly opens an existing database for queries only. Nothing is created
// or migrated; a missing file reports os.ErrNotExist.
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// DefaultPath returns the default database path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "vigil", "vigil.db")
}

// Open opens the attempt log at dbPath, creating and migrating it unless
// ReadOnly is given.
func Open(dbPath string, opts ...Option) (*DB, error) {
	o := options{busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if dbPath == "" {
		dbPath = DefaultPath()
	}
	resolved := expandPath(dbPath)

	if o.readOnly {
		if _, err := os.Stat(resolved); err != nil {
			return nil, fmt.Errorf("opening db: %w", err)
		}
	} else if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(resolved, o))
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db %s: %w", resolved, err)
	}

	if o.readOnly {
		err = checkVersion(sqlDB)
	} else {
		err = Migrate(sqlDB)
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &DB{sql: sqlDB, path: resolved, readOnly: o.readOnly}, nil
}

// dsn puts the pragmas in the connection string so every pooled connection
// gets them, not just the first.
func dsn(path string, o options) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", o.busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if o.readOnly {
		q.Set("mode", "ro")
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Add("_pragma", "journal_mode(wal)")
	}
	return "file:" + path + "?" + q.Encode()
}

func checkVersion(sqlDB *sql.DB) error {
	version, err := CurrentVersion(sqlDB)
	if err != nil {
		return err
	}
	if want := migrations[len(migrations)-1].Version; version < want {
		return fmt.Errorf("%w: v%d, want v%d", ErrSchemaBehind, version, want)
	}
	return nil
}

// Path returns the resolved database file path.
func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// ReadOnly reports whether the database was opened with ReadOnly.
func (d *DB) ReadOnly() bool {
	return d != nil && d.readOnly
}

// Size returns the on-disk size of the database including its WAL file.
func (d *DB) Size() (int64, error) {
	var total int64
	for _, p := range []string{d.Path(), d.Path() + "-wal"} {
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// SQL returns the raw *sql.DB.
func (d *DB) SQL() *sql.DB {
	if d == nil {
		return nil
	}
	return d.sql
}

func expandPath(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
