package store

import (
	"context"
	"encoding/json"
)

// SeedParentID marks a game's initial round, which has no parent.
const SeedParentID = -1

// Round is one (player input, GM response) pair. Rounds are immutable once
// written; branches and tags point into the resulting tree.
type Round struct {
	ID                int64
	GameID            int64
	ParentID          int64
	PlayerChoice      string
	AssistantResponse string
	LLMUsage          *string
	ModelName         *string
	CreatedTs         int64
}

// Usage decodes the stored llm_usage JSON. Returns nil when absent or
// malformed.
func (r *Round) Usage() *RoundUsage {
	if r.LLMUsage == nil {
		return nil
	}
	var u RoundUsage
	if err := json.Unmarshal([]byte(*r.LLMUsage), &u); err != nil {
		return nil
	}
	return &u
}

// RoundUsage is the token accounting captured from the LLM call that
// produced the round.
type RoundUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type CreateRound struct {
	GameID            int64
	ParentID          int64
	PlayerChoice      string
	AssistantResponse string
	LLMUsage          *string
	ModelName         *string
}

func (s *Store) CreateRound(ctx context.Context, create *CreateRound) (*Round, error) {
	return s.driver.CreateRound(ctx, create)
}

func (s *Store) GetRoundByID(ctx context.Context, roundID int64) (*Round, error) {
	return s.driver.GetRound(ctx, roundID)
}

func (s *Store) ListRounds(ctx context.Context, gameID int64) ([]*Round, error) {
	return s.driver.ListRounds(ctx, gameID)
}

// GetRoundAncestors walks the parent chain of roundID and returns up to
// limit rounds in chronological order: the oldest reached ancestor first,
// the supplied round last.
func (s *Store) GetRoundAncestors(ctx context.Context, roundID int64, limit int) ([]*Round, error) {
	return s.driver.GetRoundAncestors(ctx, roundID, limit)
}
