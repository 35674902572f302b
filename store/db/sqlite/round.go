package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hrygo/taleforge/store"
)

const roundFields = `round_id, game_id, parent_id, player_choice, assistant_response, llm_usage, model_name, created_ts`

func scanRound(row interface{ Scan(dest ...any) error }) (*store.Round, error) {
	var round store.Round
	var llmUsage, modelName sql.NullString
	err := row.Scan(
		&round.ID,
		&round.GameID,
		&round.ParentID,
		&round.PlayerChoice,
		&round.AssistantResponse,
		&llmUsage,
		&modelName,
		&round.CreatedTs,
	)
	if err != nil {
		return nil, err
	}
	if llmUsage.Valid {
		round.LLMUsage = &llmUsage.String
	}
	if modelName.Valid {
		round.ModelName = &modelName.String
	}
	return &round, nil
}

func (d *DB) CreateRound(ctx context.Context, create *store.CreateRound) (*store.Round, error) {
	stmt := `
		INSERT INTO rounds (game_id, parent_id, player_choice, assistant_response, llm_usage, model_name)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING ` + roundFields
	round, err := scanRound(d.conn(ctx).QueryRowContext(ctx, stmt,
		create.GameID,
		create.ParentID,
		create.PlayerChoice,
		create.AssistantResponse,
		create.LLMUsage,
		create.ModelName,
	))
	if err != nil {
		return nil, mapError(err, "failed to create round")
	}
	return round, nil
}

func (d *DB) GetRound(ctx context.Context, roundID int64) (*store.Round, error) {
	query := `SELECT ` + roundFields + ` FROM rounds WHERE round_id = ?`
	round, err := scanRound(d.conn(ctx).QueryRowContext(ctx, query, roundID))
	if err != nil {
		return nil, mapError(err, "failed to get round")
	}
	return round, nil
}

func (d *DB) ListRounds(ctx context.Context, gameID int64) ([]*store.Round, error) {
	query := `SELECT ` + roundFields + ` FROM rounds WHERE game_id = ? ORDER BY round_id ASC`
	rows, err := d.conn(ctx).QueryContext(ctx, query, gameID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rounds")
	}
	defer rows.Close()

	var rounds []*store.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan round")
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rounds, nil
}

// GetRoundAncestors walks the parent chain with a recursive CTE and
// returns at most limit rounds ordered oldest first, roundID itself last.
// The seed round's parent sentinel (-1) matches no row, which terminates
// the recursion.
func (d *DB) GetRoundAncestors(ctx context.Context, roundID int64, limit int) ([]*store.Round, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		WITH RECURSIVE ancestors (round_id, game_id, parent_id, player_choice, assistant_response, llm_usage, model_name, created_ts, depth) AS (
			SELECT round_id, game_id, parent_id, player_choice, assistant_response, llm_usage, model_name, created_ts, 0
			FROM rounds
			WHERE round_id = ?
			UNION ALL
			SELECT r.round_id, r.game_id, r.parent_id, r.player_choice, r.assistant_response, r.llm_usage, r.model_name, r.created_ts, a.depth + 1
			FROM rounds r
			JOIN ancestors a ON r.round_id = a.parent_id
			WHERE a.depth + 1 < ?
		)
		SELECT round_id, game_id, parent_id, player_choice, assistant_response, llm_usage, model_name, created_ts
		FROM ancestors
		ORDER BY depth DESC
	`
	rows, err := d.conn(ctx).QueryContext(ctx, query, roundID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get round ancestors")
	}
	defer rows.Close()

	var rounds []*store.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan round ancestor")
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, errors.Wrap(store.ErrNotFound, "failed to get round ancestors")
	}
	return rounds, nil
}
