package sqlite

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/taleforge/store"
)

const tagFields = `tag_id, game_id, name, round_id, created_ts`

func scanTag(row interface{ Scan(dest ...any) error }) (*store.Tag, error) {
	var tag store.Tag
	err := row.Scan(
		&tag.ID,
		&tag.GameID,
		&tag.Name,
		&tag.RoundID,
		&tag.CreatedTs,
	)
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

func (d *DB) CreateTag(ctx context.Context, create *store.CreateTag) (*store.Tag, error) {
	stmt := `
		INSERT INTO tags (game_id, name, round_id)
		VALUES (?, ?, ?)
		RETURNING ` + tagFields
	tag, err := scanTag(d.conn(ctx).QueryRowContext(ctx, stmt,
		create.GameID,
		create.Name,
		create.RoundID,
	))
	if err != nil {
		return nil, mapError(err, "failed to create tag")
	}
	return tag, nil
}

func (d *DB) GetTag(ctx context.Context, find *store.FindTag) (*store.Tag, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "tag_id = ?"), append(args, *find.ID)
	}
	if find.GameID != nil {
		where, args = append(where, "game_id = ?"), append(args, *find.GameID)
	}
	if find.Name != nil {
		where, args = append(where, "name = ?"), append(args, *find.Name)
	}

	query := `SELECT ` + tagFields + ` FROM tags WHERE ` + strings.Join(where, " AND ") + ` LIMIT 1`
	tag, err := scanTag(d.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err, "failed to get tag")
	}
	return tag, nil
}

func (d *DB) ListTags(ctx context.Context, gameID int64) ([]*store.Tag, error) {
	query := `SELECT ` + tagFields + ` FROM tags WHERE game_id = ? ORDER BY name ASC`
	rows, err := d.conn(ctx).QueryContext(ctx, query, gameID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tags")
	}
	defer rows.Close()

	var tags []*store.Tag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan tag")
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tags, nil
}

func (d *DB) DeleteTag(ctx context.Context, tagID int64) error {
	stmt := `DELETE FROM tags WHERE tag_id = ?`
	return d.execAffectingOne(ctx, "failed to delete tag", stmt, tagID)
}
