package store

import (
	"context"
	"regexp"
)

// ReservedBranchName is rejected as a branch or tag name; "checkout head"
// addresses the current HEAD instead.
const ReservedBranchName = "head"

var refNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// IsValidRefName reports whether name is acceptable for a branch or tag:
// 1-50 chars from [A-Za-z0-9_-], and not the reserved literal "head".
func IsValidRefName(name string) bool {
	if name == ReservedBranchName {
		return false
	}
	return refNamePattern.MatchString(name)
}

// Branch is a named movable pointer to a tip round.
type Branch struct {
	ID         int64
	GameID     int64
	Name       string
	TipRoundID *int64
	CreatedTs  int64
	UpdatedTs  int64
}

type CreateBranch struct {
	GameID     int64
	Name       string
	TipRoundID *int64
}

type FindBranch struct {
	ID     *int64
	GameID *int64
	Name   *string
}

func (s *Store) CreateBranch(ctx context.Context, create *CreateBranch) (*Branch, error) {
	return s.driver.CreateBranch(ctx, create)
}

func (s *Store) GetBranchByName(ctx context.Context, gameID int64, name string) (*Branch, error) {
	return s.driver.GetBranch(ctx, &FindBranch{GameID: &gameID, Name: &name})
}

func (s *Store) GetBranchByID(ctx context.Context, branchID int64) (*Branch, error) {
	return s.driver.GetBranch(ctx, &FindBranch{ID: &branchID})
}

func (s *Store) ListBranches(ctx context.Context, gameID int64) ([]*Branch, error) {
	return s.driver.ListBranches(ctx, gameID)
}

func (s *Store) RenameBranch(ctx context.Context, branchID int64, newName string) error {
	return s.driver.RenameBranch(ctx, branchID, newName)
}

func (s *Store) DeleteBranch(ctx context.Context, branchID int64) error {
	return s.driver.DeleteBranch(ctx, branchID)
}

func (s *Store) UpdateBranchTip(ctx context.Context, branchID int64, roundID int64) error {
	return s.driver.UpdateBranchTip(ctx, branchID, roundID)
}
