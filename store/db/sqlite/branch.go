package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/taleforge/store"
)

const branchFields = `branch_id, game_id, name, tip_round_id, created_ts, updated_ts`

func scanBranch(row interface{ Scan(dest ...any) error }) (*store.Branch, error) {
	var branch store.Branch
	var tipRoundID sql.NullInt64
	err := row.Scan(
		&branch.ID,
		&branch.GameID,
		&branch.Name,
		&tipRoundID,
		&branch.CreatedTs,
		&branch.UpdatedTs,
	)
	if err != nil {
		return nil, err
	}
	if tipRoundID.Valid {
		branch.TipRoundID = &tipRoundID.Int64
	}
	return &branch, nil
}

func (d *DB) CreateBranch(ctx context.Context, create *store.CreateBranch) (*store.Branch, error) {
	stmt := `
		INSERT INTO branches (game_id, name, tip_round_id)
		VALUES (?, ?, ?)
		RETURNING ` + branchFields
	branch, err := scanBranch(d.conn(ctx).QueryRowContext(ctx, stmt,
		create.GameID,
		create.Name,
		create.TipRoundID,
	))
	if err != nil {
		return nil, mapError(err, "failed to create branch")
	}
	return branch, nil
}

func (d *DB) GetBranch(ctx context.Context, find *store.FindBranch) (*store.Branch, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "branch_id = ?"), append(args, *find.ID)
	}
	if find.GameID != nil {
		where, args = append(where, "game_id = ?"), append(args, *find.GameID)
	}
	if find.Name != nil {
		where, args = append(where, "name = ?"), append(args, *find.Name)
	}

	query := `SELECT ` + branchFields + ` FROM branches WHERE ` + strings.Join(where, " AND ") + ` LIMIT 1`
	branch, err := scanBranch(d.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err, "failed to get branch")
	}
	return branch, nil
}

func (d *DB) ListBranches(ctx context.Context, gameID int64) ([]*store.Branch, error) {
	query := `SELECT ` + branchFields + ` FROM branches WHERE game_id = ? ORDER BY name ASC`
	rows, err := d.conn(ctx).QueryContext(ctx, query, gameID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list branches")
	}
	defer rows.Close()

	var branches []*store.Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan branch")
		}
		branches = append(branches, branch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return branches, nil
}

func (d *DB) RenameBranch(ctx context.Context, branchID int64, newName string) error {
	stmt := `UPDATE branches SET name = ? WHERE branch_id = ?`
	return d.execAffectingOne(ctx, "failed to rename branch", stmt, newName, branchID)
}

// DeleteBranch refuses to delete a branch any game holds as HEAD. The
// check and the delete share a savepoint so a concurrent HEAD switch
// cannot slip between them.
func (d *DB) DeleteBranch(ctx context.Context, branchID int64) error {
	return d.RunInTransaction(ctx, func(ctx context.Context) error {
		var refs int64
		err := d.conn(ctx).QueryRowContext(ctx,
			`SELECT COUNT(1) FROM games WHERE head_branch_id = ?`, branchID,
		).Scan(&refs)
		if err != nil {
			return errors.Wrap(err, "failed to count head references")
		}
		if refs > 0 {
			return errors.Wrap(store.ErrConflict, "branch is the current HEAD")
		}
		stmt := `DELETE FROM branches WHERE branch_id = ?`
		return d.execAffectingOne(ctx, "failed to delete branch", stmt, branchID)
	})
}

func (d *DB) UpdateBranchTip(ctx context.Context, branchID int64, roundID int64) error {
	stmt := `UPDATE branches SET tip_round_id = ? WHERE branch_id = ?`
	return d.execAffectingOne(ctx, "failed to update branch tip", stmt, roundID, branchID)
}
