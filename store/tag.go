package store

import (
	"context"
)

// Tag is a named static pointer to a round. Unlike a branch tip it never
// moves; deleting the referenced round deletes the tag.
type Tag struct {
	ID        int64
	GameID    int64
	Name      string
	RoundID   int64
	CreatedTs int64
}

type CreateTag struct {
	GameID  int64
	Name    string
	RoundID int64
}

type FindTag struct {
	ID     *int64
	GameID *int64
	Name   *string
}

func (s *Store) CreateTag(ctx context.Context, create *CreateTag) (*Tag, error) {
	return s.driver.CreateTag(ctx, create)
}

func (s *Store) GetTagByName(ctx context.Context, gameID int64, name string) (*Tag, error) {
	return s.driver.GetTag(ctx, &FindTag{GameID: &gameID, Name: &name})
}

func (s *Store) ListTags(ctx context.Context, gameID int64) ([]*Tag, error) {
	return s.driver.ListTags(ctx, gameID)
}

func (s *Store) DeleteTag(ctx context.Context, tagID int64) error {
	return s.driver.DeleteTag(ctx, tagID)
}
