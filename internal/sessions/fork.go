package sessions

import (
	"fmt"
	"sort"
	"time"

	"github.com/weftwork/weft/pkg/models"
)

// branchSet is a session's branches loaded for a structural mutation. Fork
// and delete operate on the full set so sibling and child linkage stays
// consistent; stores persist the returned modifications under their own
// locking.
type branchSet map[string]*models.Branch

// mutation lists what a structural change touched.
type mutation struct {
	created  *models.Branch
	modified []*models.Branch
	deleted  []string
}

// applyFork creates newID from the parent's first fromIndex messages and
// rewires child and sibling linkage. Pure with respect to the store: only
// the returned branches changed.
func applyFork(set branchSet, parentID string, fromIndex int, newID string) (*mutation, error) {
	parent, ok := set[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, parentID)
	}
	if _, exists := set[newID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrBranchAlreadyExists, newID)
	}
	if fromIndex < 0 || fromIndex > len(parent.Messages) {
		return nil, fmt.Errorf("%w: %d of %d messages", ErrInvalidForkIndex, fromIndex, len(parent.Messages))
	}

	now := time.Now().UTC()
	child := &models.Branch{
		ID:            newID,
		SessionID:     parent.SessionID,
		ParentID:      &parent.ID,
		ForkedAtIndex: fromIndex,
		Lineage:       childLineage(parent),
		Messages:      make([]*models.Message, fromIndex),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i := 0; i < fromIndex; i++ {
		child.Messages[i] = parent.Messages[i].Clone()
	}
	// Container expansions carry into the fork; run counters do not.
	if parent.State != nil {
		child.State = &models.ExecutionState{
			ExpandedContainers: append([]string(nil), parent.State.ExpandedContainers...),
		}
	}

	parent = parent.Clone()
	parent.ChildIDs = append(parent.ChildIDs, newID)
	parent.UpdatedAt = now
	set[parentID] = parent
	set[newID] = child

	m := &mutation{modified: []*models.Branch{parent}}
	m.modified = append(m.modified, relinkSiblings(set, parentID, fromIndex)...)
	// relinkSiblings rewrote the new branch onto a clone with its sibling
	// pointers set; return that copy, not the pre-link original.
	m.created = set[newID]
	return m, nil
}

// applyDelete removes branchID (and descendants when recursive) and
// re-normalizes the affected sibling sets.
func applyDelete(set branchSet, branchID string, recursive bool) (*mutation, error) {
	branch, ok := set[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, branchID)
	}
	if branch.IsMain() {
		return nil, ErrCannotDeleteMain
	}
	if len(branch.ChildIDs) > 0 && !recursive {
		return nil, fmt.Errorf("%w: %s", ErrBranchHasChildren, branchID)
	}

	doomed := []string{branchID}
	for i := 0; i < len(doomed); i++ {
		if b, ok := set[doomed[i]]; ok {
			doomed = append(doomed, b.ChildIDs...)
		}
	}

	// Sibling sets to renormalize after removal.
	type slot struct {
		parent string
		index  int
	}
	touched := map[slot]bool{}
	for _, id := range doomed {
		if b, ok := set[id]; ok && b.ParentID != nil {
			touched[slot{*b.ParentID, b.ForkedAtIndex}] = true
		}
	}

	m := &mutation{}
	for _, id := range doomed {
		delete(set, id)
		m.deleted = append(m.deleted, id)
	}

	if branch.ParentID != nil {
		if parent, ok := set[*branch.ParentID]; ok {
			parent = parent.Clone()
			removeChild(parent, branchID)
			parent.UpdatedAt = time.Now().UTC()
			set[parent.ID] = parent
			m.modified = append(m.modified, parent)
		}
	}
	for s := range touched {
		if _, ok := set[s.parent]; !ok {
			continue // the whole subtree went away
		}
		m.modified = append(m.modified, relinkSiblings(set, s.parent, s.index)...)
	}
	return m, nil
}

// relinkSiblings rebuilds the doubly-linked sibling list for the branches
// sharing (parentID, forkIndex), in creation order. Returns the branches it
// rewrote.
func relinkSiblings(set branchSet, parentID string, forkIndex int) []*models.Branch {
	var siblings []*models.Branch
	for _, b := range set {
		if b.ParentID != nil && *b.ParentID == parentID && b.ForkedAtIndex == forkIndex {
			siblings = append(siblings, b)
		}
	}
	sort.Slice(siblings, func(i, j int) bool {
		if siblings[i].CreatedAt.Equal(siblings[j].CreatedAt) {
			return siblings[i].ID < siblings[j].ID
		}
		return siblings[i].CreatedAt.Before(siblings[j].CreatedAt)
	})

	modified := make([]*models.Branch, 0, len(siblings))
	for i, b := range siblings {
		b = b.Clone()
		b.SiblingIndex = i
		b.TotalSiblings = len(siblings)
		b.PrevSiblingID = nil
		b.NextSiblingID = nil
		if i > 0 {
			prev := siblings[i-1].ID
			b.PrevSiblingID = &prev
		}
		if i < len(siblings)-1 {
			next := siblings[i+1].ID
			b.NextSiblingID = &next
		}
		set[b.ID] = b
		modified = append(modified, b)
	}
	return modified
}

func childLineage(parent *models.Branch) map[int]string {
	lineage := make(map[int]string, len(parent.Lineage)+1)
	for depth, id := range parent.Lineage {
		lineage[depth] = id
	}
	lineage[len(parent.Lineage)] = parent.ID
	return lineage
}

func removeChild(parent *models.Branch, childID string) {
	out := parent.ChildIDs[:0]
	for _, id := range parent.ChildIDs {
		if id != childID {
			out = append(out, id)
		}
	}
	parent.ChildIDs = out
}

// loadSet pulls every branch of a session into a branchSet.
func loadSet(branches []*models.Branch) branchSet {
	set := make(branchSet, len(branches))
	for _, b := range branches {
		set[b.ID] = b
	}
	return set
}
