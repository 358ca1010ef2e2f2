package models

import (
	"time"

	"github.com/google/uuid"
)

// MainBranchID is the name of the branch every session owns from creation
// until deletion.
const MainBranchID = "main"

// Session is a conversation container owning one or more branches.
type Session struct {
	// ID is the stable opaque identifier.
	ID string `json:"id"`

	// ActiveBranchID is the branch currently receiving runs. At most one
	// branch is active at a time.
	ActiveBranchID string `json:"active_branch_id"`

	// BranchIDs indexes the branches owned by this session.
	BranchIDs []string `json:"branch_ids"`

	// Metadata stores arbitrary session-scoped key-value data.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a session with a main branch reference and defaults.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		ActiveBranchID: MainBranchID,
		BranchIDs:      []string{MainBranchID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// HasBranch reports whether the session indexes the given branch.
func (s *Session) HasBranch(branchID string) bool {
	for _, id := range s.BranchIDs {
		if id == branchID {
			return true
		}
	}
	return false
}

// AddBranch appends a branch id to the index if not already present.
func (s *Session) AddBranch(branchID string) {
	if !s.HasBranch(branchID) {
		s.BranchIDs = append(s.BranchIDs, branchID)
	}
}

// RemoveBranch drops a branch id from the index.
func (s *Session) RemoveBranch(branchID string) {
	out := s.BranchIDs[:0]
	for _, id := range s.BranchIDs {
		if id != branchID {
			out = append(out, id)
		}
	}
	s.BranchIDs = out
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.BranchIDs = append([]string(nil), s.BranchIDs...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
