package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/taleforge/internal/profile"
	"github.com/hrygo/taleforge/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the database file named by the profile DSN.
//
// Connection settings:
//   - foreign_keys(1): branch/round/tag cascades and the head-branch
//     SET NULL depend on enforcement.
//   - busy_timeout(5000): writers wait up to 5s on a locked database
//     instead of failing immediately.
//   - journal_mode(WAL): readers never block the writer.
//   - _txlock=immediate: BeginTx takes the write lock up front, so a
//     transaction never upgrades (and deadlocks) mid-flight.
//
// Notes:
//   - With the `modernc.org/sqlite` driver each pragma must be prefixed
//     with `_pragma=`.
//
// References:
//   - https://pkg.go.dev/modernc.org/sqlite#Driver.Open
//   - https://www.sqlite.org/pragma.html
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// One logical connection. SQLite serializes writes anyway, and the
	// savepoint-based transaction nesting assumes a single session.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	return &DB{db: sqliteDB, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
