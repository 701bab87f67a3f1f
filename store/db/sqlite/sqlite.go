package sqlite

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/crmsync/internal/profile"
	"github.com/hrygo/crmsync/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - kv table with tenant, sync_pending, priority+ts and expires_at indexes
const currentSchemaVersion = 1

// DB is the SQLite backed store driver. WAL mode keeps reads going during writes.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

var _ store.Driver = (*DB)(nil)

// NewDB opens the database named by profile.DSN and applies pragmas and schema.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}
	return Open(profile.DSN, profile)
}

// Open creates or opens a SQLite database at dsn.
func Open(dsn string, profile *profile.Profile) (*DB, error) {
	sqliteDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}

	// SQLite only supports one writer at a time.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)

	if err := sqliteDB.Ping(); err != nil {
		sqliteDB.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if err := applyPragmas(sqliteDB); err != nil {
		sqliteDB.Close()
		return nil, errors.Wrap(err, "failed to apply pragmas")
	}
	if err := applySchema(sqliteDB); err != nil {
		sqliteDB.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	return &DB{db: sqliteDB, profile: profile}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "failed to execute %q", pragma)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "get user_version")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return errors.Wrap(err, "failed to execute schema")
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec("PRAGMA user_version = 1"); err != nil {
			return errors.Wrap(err, "set user_version")
		}
	}
	return nil
}

// GetDB returns the underlying handle.
func (d *DB) GetDB() *sql.DB {
	return d.db
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// IsInitialized reports whether the kv table exists.
func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='kv')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}
