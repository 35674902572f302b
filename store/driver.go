package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for database drivers.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	// RunInTransaction executes fn inside a write transaction. Calls
	// nest: the outermost invocation begins an immediate transaction,
	// inner invocations open uniquely named savepoints, and an error
	// rolls back only the innermost scope.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Game model related methods.
	CreateGame(ctx context.Context, create *CreateGame) (*Game, error)
	GetGame(ctx context.Context, find *FindGame) (*Game, error)
	ListGames(ctx context.Context) ([]*Game, error)
	AttachGameToChannel(ctx context.Context, gameID int64, channelID string) error
	DetachGameFromChannel(ctx context.Context, gameID int64) error
	SetGameFrozen(ctx context.Context, gameID int64, frozen bool) error
	UpdateGameMainMessage(ctx context.Context, gameID int64, mainMessageID *string) error
	UpdateGameCandidateInputs(ctx context.Context, gameID int64, ids []string) error
	UpdateGameHeadBranch(ctx context.Context, gameID int64, branchID int64) error
	UpdateGameHost(ctx context.Context, gameID int64, hostUserID string) error
	DeleteGame(ctx context.Context, gameID int64) error

	// Branch model related methods.
	CreateBranch(ctx context.Context, create *CreateBranch) (*Branch, error)
	GetBranch(ctx context.Context, find *FindBranch) (*Branch, error)
	ListBranches(ctx context.Context, gameID int64) ([]*Branch, error)
	RenameBranch(ctx context.Context, branchID int64, newName string) error
	DeleteBranch(ctx context.Context, branchID int64) error
	UpdateBranchTip(ctx context.Context, branchID int64, roundID int64) error

	// Round model related methods.
	CreateRound(ctx context.Context, create *CreateRound) (*Round, error)
	GetRound(ctx context.Context, roundID int64) (*Round, error)
	ListRounds(ctx context.Context, gameID int64) ([]*Round, error)
	GetRoundAncestors(ctx context.Context, roundID int64, limit int) ([]*Round, error)

	// Tag model related methods.
	CreateTag(ctx context.Context, create *CreateTag) (*Tag, error)
	GetTag(ctx context.Context, find *FindTag) (*Tag, error)
	ListTags(ctx context.Context, gameID int64) ([]*Tag, error)
	DeleteTag(ctx context.Context, tagID int64) error
}
