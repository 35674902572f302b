package sqlite

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

// latestSchema is idempotent: every statement is IF NOT EXISTS, so running
// it against an already-migrated database is a no-op.
const latestSchema = `
CREATE TABLE IF NOT EXISTS games (
	game_id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT UNIQUE,
	host_user_id TEXT NOT NULL,
	system_prompt TEXT NOT NULL,
	main_message_id TEXT,
	candidate_custom_input_ids TEXT NOT NULL DEFAULT '[]',
	head_branch_id INTEGER,
	is_frozen INTEGER NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now')),
	updated_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now')),
	FOREIGN KEY (head_branch_id) REFERENCES branches (branch_id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS branches (
	branch_id INTEGER PRIMARY KEY AUTOINCREMENT,
	game_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	tip_round_id INTEGER,
	created_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now')),
	updated_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now')),
	UNIQUE (game_id, name),
	FOREIGN KEY (game_id) REFERENCES games (game_id) ON DELETE CASCADE,
	FOREIGN KEY (tip_round_id) REFERENCES rounds (round_id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS rounds (
	round_id INTEGER PRIMARY KEY AUTOINCREMENT,
	game_id INTEGER NOT NULL,
	parent_id INTEGER NOT NULL CHECK (parent_id >= -1),
	player_choice TEXT NOT NULL,
	assistant_response TEXT NOT NULL,
	llm_usage TEXT,
	model_name TEXT,
	created_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now')),
	FOREIGN KEY (game_id) REFERENCES games (game_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tags (
	tag_id INTEGER PRIMARY KEY AUTOINCREMENT,
	game_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	round_id INTEGER NOT NULL,
	created_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now')),
	UNIQUE (game_id, name),
	FOREIGN KEY (game_id) REFERENCES games (game_id) ON DELETE CASCADE,
	FOREIGN KEY (round_id) REFERENCES rounds (round_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_games_channel_id ON games (channel_id);
CREATE INDEX IF NOT EXISTS idx_games_main_message_id ON games (main_message_id);
CREATE INDEX IF NOT EXISTS idx_branches_game_id ON branches (game_id);
CREATE INDEX IF NOT EXISTS idx_rounds_game_id ON rounds (game_id);
CREATE INDEX IF NOT EXISTS idx_rounds_parent_id ON rounds (parent_id);
CREATE INDEX IF NOT EXISTS idx_tags_game_id ON tags (game_id);
CREATE INDEX IF NOT EXISTS idx_tags_round_id ON tags (round_id);

CREATE TRIGGER IF NOT EXISTS trg_games_updated_ts
AFTER UPDATE ON games
FOR EACH ROW
WHEN NEW.updated_ts = OLD.updated_ts
BEGIN
	UPDATE games SET updated_ts = strftime('%s', 'now') WHERE game_id = NEW.game_id;
END;

CREATE TRIGGER IF NOT EXISTS trg_branches_updated_ts
AFTER UPDATE ON branches
FOR EACH ROW
WHEN NEW.updated_ts = OLD.updated_ts
BEGIN
	UPDATE branches SET updated_ts = strftime('%s', 'now') WHERE branch_id = NEW.branch_id;
END;
`

// Migrate applies the latest schema.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, latestSchema); err != nil {
		return errors.Wrap(err, "failed to apply database schema")
	}
	slog.Info("database schema is up to date")
	return nil
}
