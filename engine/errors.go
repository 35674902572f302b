package engine

import "errors"

var (
	// ErrTipChanged aborts an advancement whose branch tip moved while
	// the LLM call was in flight. Not a failure: the other writer won.
	ErrTipChanged = errors.New("branch tip changed during advancement")

	// ErrGameFrozen rejects operations on a game mid-advancement.
	ErrGameFrozen = errors.New("game is frozen")

	// ErrNoChannel rejects channel-bound operations on a detached game.
	ErrNoChannel = errors.New("game is not attached to a channel")

	// ErrAtSeedRound rejects reverting past the first round.
	ErrAtSeedRound = errors.New("already at the seed round")
)
