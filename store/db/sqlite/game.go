package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/taleforge/store"
)

const gameFields = `game_id, channel_id, host_user_id, system_prompt, main_message_id, candidate_custom_input_ids, head_branch_id, is_frozen, created_ts, updated_ts`

func scanGame(row interface{ Scan(dest ...any) error }) (*store.Game, error) {
	var game store.Game
	var channelID, mainMessageID sql.NullString
	var headBranchID sql.NullInt64
	var candidatesJSON string
	err := row.Scan(
		&game.ID,
		&channelID,
		&game.HostUserID,
		&game.SystemPrompt,
		&mainMessageID,
		&candidatesJSON,
		&headBranchID,
		&game.IsFrozen,
		&game.CreatedTs,
		&game.UpdatedTs,
	)
	if err != nil {
		return nil, err
	}
	if channelID.Valid {
		game.ChannelID = &channelID.String
	}
	if mainMessageID.Valid {
		game.MainMessageID = &mainMessageID.String
	}
	if headBranchID.Valid {
		game.HeadBranchID = &headBranchID.Int64
	}
	if err := json.Unmarshal([]byte(candidatesJSON), &game.CandidateInputIDs); err != nil {
		return nil, errors.Wrap(err, "failed to decode candidate input ids")
	}
	return &game, nil
}

// CreateGame inserts a game. A non-nil ChannelID claims the channel; the
// UNIQUE constraint turns a second claim into ErrConflict.
func (d *DB) CreateGame(ctx context.Context, create *store.CreateGame) (*store.Game, error) {
	stmt := `
		INSERT INTO games (channel_id, host_user_id, system_prompt)
		VALUES (?, ?, ?)
		RETURNING ` + gameFields
	game, err := scanGame(d.conn(ctx).QueryRowContext(ctx, stmt,
		create.ChannelID,
		create.HostUserID,
		create.SystemPrompt,
	))
	if err != nil {
		return nil, mapError(err, "failed to create game")
	}
	return game, nil
}

func (d *DB) GetGame(ctx context.Context, find *store.FindGame) (*store.Game, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "game_id = ?"), append(args, *find.ID)
	}
	if find.ChannelID != nil {
		where, args = append(where, "channel_id = ?"), append(args, *find.ChannelID)
	}
	if find.MainMessageID != nil {
		where, args = append(where, "main_message_id = ?"), append(args, *find.MainMessageID)
	}

	query := `SELECT ` + gameFields + ` FROM games WHERE ` + strings.Join(where, " AND ") + ` LIMIT 1`
	game, err := scanGame(d.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err, "failed to get game")
	}
	return game, nil
}

func (d *DB) ListGames(ctx context.Context) ([]*store.Game, error) {
	query := `SELECT ` + gameFields + ` FROM games ORDER BY created_ts DESC, game_id DESC`
	rows, err := d.conn(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list games")
	}
	defer rows.Close()

	var games []*store.Game
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan game")
		}
		games = append(games, game)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return games, nil
}

func (d *DB) AttachGameToChannel(ctx context.Context, gameID int64, channelID string) error {
	stmt := `UPDATE games SET channel_id = ? WHERE game_id = ?`
	return d.execAffectingOne(ctx, "failed to attach game to channel", stmt, channelID, gameID)
}

// DetachGameFromChannel clears the channel binding along with the main
// message and the candidate list, which only make sense while bound.
func (d *DB) DetachGameFromChannel(ctx context.Context, gameID int64) error {
	stmt := `UPDATE games SET channel_id = NULL, main_message_id = NULL, candidate_custom_input_ids = '[]' WHERE game_id = ?`
	return d.execAffectingOne(ctx, "failed to detach game from channel", stmt, gameID)
}

func (d *DB) SetGameFrozen(ctx context.Context, gameID int64, frozen bool) error {
	stmt := `UPDATE games SET is_frozen = ? WHERE game_id = ?`
	return d.execAffectingOne(ctx, "failed to set game frozen flag", stmt, frozen, gameID)
}

func (d *DB) UpdateGameMainMessage(ctx context.Context, gameID int64, mainMessageID *string) error {
	stmt := `UPDATE games SET main_message_id = ? WHERE game_id = ?`
	return d.execAffectingOne(ctx, "failed to update game main message", stmt, mainMessageID, gameID)
}

func (d *DB) UpdateGameCandidateInputs(ctx context.Context, gameID int64, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return errors.Wrap(err, "failed to encode candidate input ids")
	}
	stmt := `UPDATE games SET candidate_custom_input_ids = ? WHERE game_id = ?`
	return d.execAffectingOne(ctx, "failed to update game candidate inputs", stmt, string(raw), gameID)
}

func (d *DB) UpdateGameHeadBranch(ctx context.Context, gameID int64, branchID int64) error {
	stmt := `UPDATE games SET head_branch_id = ? WHERE game_id = ?`
	return d.execAffectingOne(ctx, "failed to update game head branch", stmt, branchID, gameID)
}

func (d *DB) UpdateGameHost(ctx context.Context, gameID int64, hostUserID string) error {
	stmt := `UPDATE games SET host_user_id = ? WHERE game_id = ?`
	return d.execAffectingOne(ctx, "failed to update game host", stmt, hostUserID, gameID)
}

func (d *DB) DeleteGame(ctx context.Context, gameID int64) error {
	stmt := `DELETE FROM games WHERE game_id = ?`
	return d.execAffectingOne(ctx, "failed to delete game", stmt, gameID)
}
