package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	sqlitedrv "modernc.org/sqlite"

	"github.com/hrygo/taleforge/store"
)

type txCtxKey struct{}

// querier is the subset of *sql.DB and *sql.Tx the entity methods need.
// Every query goes through conn(ctx) so that code running inside
// RunInTransaction automatically joins the enclosing transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *DB) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txCtxKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.db
}

// RunInTransaction runs fn in a write transaction. The outermost call
// begins an immediate transaction (the DSN carries _txlock=immediate);
// nested calls open a uniquely named savepoint instead, so an inner
// failure rolls back only the inner scope.
func (d *DB) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(txCtxKey{}).(*sql.Tx); ok {
		return runInSavepoint(ctx, tx, fn)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	txCtx := context.WithValue(ctx, txCtxKey{}, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Wrapf(err, "rollback also failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func runInSavepoint(ctx context.Context, tx *sql.Tx, fn func(ctx context.Context) error) error {
	name := "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return errors.Wrapf(err, "failed to open savepoint %s", name)
	}

	if err := fn(ctx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Wrapf(err, "savepoint rollback also failed: %v", rbErr)
		}
		// Rolling back to a savepoint keeps it on the stack; release it
		// so repeated nesting cannot grow without bound.
		if _, relErr := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return errors.Wrapf(err, "savepoint release also failed: %v", relErr)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return errors.Wrapf(err, "failed to release savepoint %s", name)
	}
	return nil
}

// mapError converts driver-level failures to the store's sentinel errors:
// no rows becomes ErrNotFound, any SQLITE_CONSTRAINT code (unique, foreign
// key, check) becomes ErrConflict. Everything else is wrapped as-is.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(store.ErrNotFound, msg)
	}
	var serr *sqlitedrv.Error
	if errors.As(err, &serr) && serr.Code()&0xff == 19 { // SQLITE_CONSTRAINT
		return errors.Wrap(store.ErrConflict, msg)
	}
	return errors.Wrap(err, msg)
}

// execAffectingOne runs a statement expected to touch exactly one row and
// returns ErrNotFound when it touched none.
func (d *DB) execAffectingOne(ctx context.Context, msg string, stmt string, args ...any) error {
	result, err := d.conn(ctx).ExecContext(ctx, stmt, args...)
	if err != nil {
		return mapError(err, msg)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errors.Wrap(store.ErrNotFound, msg)
	}
	return nil
}
