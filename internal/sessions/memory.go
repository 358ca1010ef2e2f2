package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weftwork/weft/pkg/models"
)

// MemoryStore keeps sessions and branches in process memory. Intended for
// tests and ephemeral deployments; all methods deep-copy at the boundary so
// callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	branches map[string]map[string]*models.Branch // sessionID -> branchID -> branch
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		branches: make(map[string]map[string]*models.Branch),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) LoadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session.Clone(), nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := session.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = cp
	if s.branches[session.ID] == nil {
		s.branches[session.ID] = make(map[string]*models.Branch)
	}
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(s.sessions, sessionID)
	delete(s.branches, sessionID)
	return nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) LoadBranch(ctx context.Context, sessionID, branchID string) (*models.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branch, ok := s.branches[sessionID][branchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrBranchNotFound, sessionID, branchID)
	}
	return branch.Clone(), nil
}

func (s *MemoryStore) SaveBranch(ctx context.Context, branch *models.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.branches[branch.SessionID] == nil {
		s.branches[branch.SessionID] = make(map[string]*models.Branch)
	}
	cp := branch.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.branches[branch.SessionID][branch.ID] = cp
	if session, ok := s.sessions[branch.SessionID]; ok {
		session.AddBranch(branch.ID)
	}
	return nil
}

func (s *MemoryStore) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.branches[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]*models.Branch, 0, len(byID))
	for _, branch := range byID {
		out = append(out, branch.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ForkBranch(ctx context.Context, sessionID, parentBranchID string, fromMessageIndex int, newBranchID string) (*models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.branches[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	set := make(branchSet, len(byID))
	for id, b := range byID {
		set[id] = b.Clone()
	}
	m, err := applyFork(set, parentBranchID, fromMessageIndex, newBranchID)
	if err != nil {
		return nil, err
	}
	s.branches[sessionID] = map[string]*models.Branch(set)
	if session, ok := s.sessions[sessionID]; ok {
		session.AddBranch(newBranchID)
		session.UpdatedAt = time.Now().UTC()
	}
	return m.created.Clone(), nil
}

func (s *MemoryStore) DeleteBranch(ctx context.Context, sessionID, branchID string, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.branches[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	set := make(branchSet, len(byID))
	for id, b := range byID {
		set[id] = b.Clone()
	}
	m, err := applyDelete(set, branchID, recursive)
	if err != nil {
		return err
	}
	s.branches[sessionID] = map[string]*models.Branch(set)
	if session, ok := s.sessions[sessionID]; ok {
		for _, id := range m.deleted {
			session.RemoveBranch(id)
			if session.ActiveBranchID == id {
				session.ActiveBranchID = models.MainBranchID
			}
		}
		session.UpdatedAt = time.Now().UTC()
	}
	return nil
}
