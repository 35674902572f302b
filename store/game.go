package store

import (
	"context"
)

// Game is one narrative session, bound to at most one chat channel while
// live. CandidateInputIDs holds the player-submitted custom-input message
// ids competing in the current round's vote.
type Game struct {
	ID                int64
	ChannelID         *string
	HostUserID        string
	SystemPrompt      string
	MainMessageID     *string
	CandidateInputIDs []string
	HeadBranchID      *int64
	IsFrozen          bool
	CreatedTs         int64
	UpdatedTs         int64
}

// HasCandidate reports whether messageID is one of the game's current
// custom-input candidates.
func (g *Game) HasCandidate(messageID string) bool {
	for _, id := range g.CandidateInputIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

type CreateGame struct {
	ChannelID    *string
	HostUserID   string
	SystemPrompt string
}

type FindGame struct {
	ID            *int64
	ChannelID     *string
	MainMessageID *string
}

func (s *Store) CreateGame(ctx context.Context, create *CreateGame) (*Game, error) {
	game, err := s.driver.CreateGame(ctx, create)
	if err != nil {
		return nil, err
	}
	s.invalidateChannelIndex()
	return game, nil
}

// GetGameByChannelID returns the game bound to the channel, or
// ErrNotFound. Lookups are served from a short-lived cache keyed by
// channel id; every game mutation drops the cached row.
func (s *Store) GetGameByChannelID(ctx context.Context, channelID string) (*Game, error) {
	if gameID, ok := s.gameIDByChannel.Get(channelID); ok {
		if game, ok := s.gameByID.Get(gameID); ok {
			return game, nil
		}
	}
	game, err := s.driver.GetGame(ctx, &FindGame{ChannelID: &channelID})
	if err != nil {
		return nil, err
	}
	s.gameByID.SetWithDefaultTTL(game.ID, game)
	s.gameIDByChannel.SetWithDefaultTTL(channelID, game.ID)
	return game, nil
}

func (s *Store) GetGameByID(ctx context.Context, gameID int64) (*Game, error) {
	if game, ok := s.gameByID.Get(gameID); ok {
		return game, nil
	}
	game, err := s.driver.GetGame(ctx, &FindGame{ID: &gameID})
	if err != nil {
		return nil, err
	}
	s.gameByID.SetWithDefaultTTL(gameID, game)
	return game, nil
}

// GetGameByMainMessageID resolves which game a reaction on the given
// message targets. Uncached: reactions on stale mains must observe the
// freshest binding.
func (s *Store) GetGameByMainMessageID(ctx context.Context, messageID string) (*Game, error) {
	return s.driver.GetGame(ctx, &FindGame{MainMessageID: &messageID})
}

func (s *Store) ListGames(ctx context.Context) ([]*Game, error) {
	return s.driver.ListGames(ctx)
}

func (s *Store) AttachGameToChannel(ctx context.Context, gameID int64, channelID string) error {
	if err := s.driver.AttachGameToChannel(ctx, gameID, channelID); err != nil {
		return err
	}
	s.invalidateGame(gameID)
	s.invalidateChannelIndex()
	return nil
}

// DetachGameFromChannel unbinds the game: channel_id, main_message_id and
// the candidate list are all cleared.
func (s *Store) DetachGameFromChannel(ctx context.Context, gameID int64) error {
	if err := s.driver.DetachGameFromChannel(ctx, gameID); err != nil {
		return err
	}
	s.invalidateGame(gameID)
	s.invalidateChannelIndex()
	return nil
}

func (s *Store) SetGameFrozen(ctx context.Context, gameID int64, frozen bool) error {
	if err := s.driver.SetGameFrozen(ctx, gameID, frozen); err != nil {
		return err
	}
	s.invalidateGame(gameID)
	return nil
}

func (s *Store) UpdateGameMainMessage(ctx context.Context, gameID int64, mainMessageID *string) error {
	if err := s.driver.UpdateGameMainMessage(ctx, gameID, mainMessageID); err != nil {
		return err
	}
	s.invalidateGame(gameID)
	return nil
}

func (s *Store) UpdateGameCandidateInputs(ctx context.Context, gameID int64, ids []string) error {
	if err := s.driver.UpdateGameCandidateInputs(ctx, gameID, ids); err != nil {
		return err
	}
	s.invalidateGame(gameID)
	return nil
}

func (s *Store) UpdateGameHeadBranch(ctx context.Context, gameID int64, branchID int64) error {
	if err := s.driver.UpdateGameHeadBranch(ctx, gameID, branchID); err != nil {
		return err
	}
	s.invalidateGame(gameID)
	return nil
}

func (s *Store) UpdateGameHost(ctx context.Context, gameID int64, hostUserID string) error {
	if err := s.driver.UpdateGameHost(ctx, gameID, hostUserID); err != nil {
		return err
	}
	s.invalidateGame(gameID)
	return nil
}

// DeleteGame drops the game and, through foreign keys, its branches,
// rounds and tags.
func (s *Store) DeleteGame(ctx context.Context, gameID int64) error {
	if err := s.driver.DeleteGame(ctx, gameID); err != nil {
		return err
	}
	s.invalidateGame(gameID)
	s.invalidateChannelIndex()
	return nil
}
