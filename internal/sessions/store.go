// Package sessions persists conversations: sessions, their branch trees,
// and the fork/sibling bookkeeping that keeps the trees navigable. Three
// interchangeable stores exist: in-memory, JSON files, and SQLite.
package sessions

import (
	"context"
	"errors"

	"github.com/weftwork/weft/pkg/models"
)

// Common store errors.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrBranchNotFound      = errors.New("branch not found")
	ErrBranchAlreadyExists = errors.New("branch already exists")
	ErrBranchHasChildren   = errors.New("branch has children; delete recursively or remove them first")
	ErrCannotDeleteMain    = errors.New("cannot delete the main branch")
	ErrInvalidForkIndex    = errors.New("fork index out of range")
	ErrBranchArchived      = errors.New("branch is archived")
)

// Store persists sessions and branches. Implementations are safe for
// concurrent use; branch writes are atomic per branch, session index
// updates may be non-atomic with respect to branch writes.
type Store interface {
	LoadSession(ctx context.Context, sessionID string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]*models.Session, error)

	LoadBranch(ctx context.Context, sessionID, branchID string) (*models.Branch, error)
	SaveBranch(ctx context.Context, branch *models.Branch) error
	ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error)

	// ForkBranch atomically creates newBranchID from the parent's first
	// fromMessageIndex messages and rewires sibling and child linkage.
	ForkBranch(ctx context.Context, sessionID, parentBranchID string, fromMessageIndex int, newBranchID string) (*models.Branch, error)

	// DeleteBranch removes a branch. With recursive set it removes all
	// descendants too; otherwise it fails when children exist. Sibling
	// linkage is re-normalized afterwards.
	DeleteBranch(ctx context.Context, sessionID, branchID string, recursive bool) error
}

// CreateSession initializes a session with its main branch in one store.
func CreateSession(ctx context.Context, store Store) (*models.Session, *models.Branch, error) {
	session := models.NewSession()
	branch := models.NewMainBranch(session.ID)
	if err := store.SaveBranch(ctx, branch); err != nil {
		return nil, nil, err
	}
	if err := store.SaveSession(ctx, session); err != nil {
		return nil, nil, err
	}
	return session, branch, nil
}
