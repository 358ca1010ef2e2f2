package models

import (
	"time"
)

// Branch is a linear message history within a session. Branches share a
// common prefix with their parent via forking: the first ForkedAtIndex
// messages are identical to the parent's prefix at fork time.
type Branch struct {
	// ID identifies the branch within its session.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// ParentID is the parent branch id (nil for main).
	ParentID *string `json:"parent_id,omitempty"`

	// ForkedAtIndex is the parent message index at which this branch was
	// forked. Messages [0..ForkedAtIndex-1] were copied from the parent.
	ForkedAtIndex int `json:"forked_at_index"`

	// Sibling navigation among branches sharing (parent, ForkedAtIndex).
	// The sibling set forms a doubly-linked list in insertion order.
	PrevSiblingID *string `json:"prev_sibling_id,omitempty"`
	NextSiblingID *string `json:"next_sibling_id,omitempty"`
	SiblingIndex  int     `json:"sibling_index"`
	TotalSiblings int     `json:"total_siblings"`

	// ChildIDs lists branches forked from this branch, in creation order.
	ChildIDs []string `json:"child_ids,omitempty"`

	// Lineage maps depth to ancestor branch id (depth 0 = root).
	Lineage map[int]string `json:"lineage,omitempty"`

	// Messages is the ordered history.
	Messages []*Message `json:"messages"`

	// State is the serialized execution state of a suspended or completed
	// run, nil when no run has happened.
	State *ExecutionState `json:"state,omitempty"`

	// Archived marks a branch as read-only.
	Archived bool `json:"archived,omitempty"`

	// Metadata stores branch-scoped key-value data (permission decisions,
	// compaction info).
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMainBranch creates the main branch for a session.
func NewMainBranch(sessionID string) *Branch {
	now := time.Now().UTC()
	return &Branch{
		ID:            MainBranchID,
		SessionID:     sessionID,
		TotalSiblings: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsMain reports whether this is the session's main branch.
func (b *Branch) IsMain() bool {
	return b.ParentID == nil
}

// Depth returns the branch's depth in the fork tree (0 for main).
func (b *Branch) Depth() int {
	return len(b.Lineage)
}

// Clone returns a deep copy of the branch.
func (b *Branch) Clone() *Branch {
	if b == nil {
		return nil
	}
	cp := *b
	if b.ParentID != nil {
		v := *b.ParentID
		cp.ParentID = &v
	}
	if b.PrevSiblingID != nil {
		v := *b.PrevSiblingID
		cp.PrevSiblingID = &v
	}
	if b.NextSiblingID != nil {
		v := *b.NextSiblingID
		cp.NextSiblingID = &v
	}
	cp.ChildIDs = append([]string(nil), b.ChildIDs...)
	if b.Lineage != nil {
		cp.Lineage = make(map[int]string, len(b.Lineage))
		for k, v := range b.Lineage {
			cp.Lineage[k] = v
		}
	}
	cp.Messages = make([]*Message, len(b.Messages))
	for i, m := range b.Messages {
		cp.Messages[i] = m.Clone()
	}
	cp.State = b.State.Clone()
	if b.Metadata != nil {
		cp.Metadata = make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// BranchStats summarizes a branch for listings.
type BranchStats struct {
	BranchID      string     `json:"branch_id"`
	MessageCount  int        `json:"message_count"`
	ChildCount    int        `json:"child_count"`
	SiblingIndex  int        `json:"sibling_index"`
	TotalSiblings int        `json:"total_siblings"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Stats computes summary statistics for the branch.
func (b *Branch) Stats() BranchStats {
	stats := BranchStats{
		BranchID:      b.ID,
		MessageCount:  len(b.Messages),
		ChildCount:    len(b.ChildIDs),
		SiblingIndex:  b.SiblingIndex,
		TotalSiblings: b.TotalSiblings,
	}
	if n := len(b.Messages); n > 0 {
		t := b.Messages[n-1].CreatedAt
		stats.LastMessageAt = &t
	}
	return stats
}
