package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weftwork/weft/pkg/models"
)

// SchemaVersion is embedded at the top level of every persisted file so
// future readers can migrate.
const SchemaVersion = 1

// FileStore persists sessions as JSON directories:
//
//	<root>/<sessionID>/session.json
//	<root>/<sessionID>/branches/<branchID>.json
//
// Branch writes are atomic (temp file + rename). Structural mutations
// (fork, delete) are serialized per session; the session index may lag a
// branch write, which readers tolerate.
type FileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &FileStore{root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

var _ Store = (*FileStore)(nil)

type sessionFile struct {
	Schema  int             `json:"schema"`
	Session *models.Session `json:"session"`
}

type branchFile struct {
	Schema int            `json:"schema"`
	Branch *models.Branch `json:"branch"`
}

func (s *FileStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func (s *FileStore) sessionPath(sessionID string) string {
	return filepath.Join(s.root, sessionID, "session.json")
}

func (s *FileStore) branchPath(sessionID, branchID string) string {
	return filepath.Join(s.root, sessionID, "branches", branchID+".json")
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *FileStore) LoadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := os.ReadFile(s.sessionPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("corrupt session file for %s: %w", sessionID, err)
	}
	return file.Session, nil
}

func (s *FileStore) SaveSession(ctx context.Context, session *models.Session) error {
	cp := session.Clone()
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(sessionFile{Schema: SchemaVersion, Session: cp}, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.sessionPath(session.ID), data)
}

func (s *FileStore) DeleteSession(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	dir := filepath.Join(s.root, sessionID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return os.RemoveAll(dir)
}

func (s *FileStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		session, err := s.LoadSession(ctx, entry.Name())
		if err != nil {
			continue // skip partial or foreign directories
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) LoadBranch(ctx context.Context, sessionID, branchID string) (*models.Branch, error) {
	data, err := os.ReadFile(s.branchPath(sessionID, branchID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrBranchNotFound, sessionID, branchID)
	}
	if err != nil {
		return nil, err
	}
	var file branchFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("corrupt branch file for %s/%s: %w", sessionID, branchID, err)
	}
	return file.Branch, nil
}

func (s *FileStore) SaveBranch(ctx context.Context, branch *models.Branch) error {
	cp := branch.Clone()
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(branchFile{Schema: SchemaVersion, Branch: cp}, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(s.branchPath(branch.SessionID, branch.ID), data); err != nil {
		return err
	}
	// Best-effort index update; per-branch atomicity is the guarantee.
	if session, err := s.LoadSession(ctx, branch.SessionID); err == nil && !session.HasBranch(branch.ID) {
		session.AddBranch(branch.ID)
		return s.SaveSession(ctx, session)
	}
	return nil
}

func (s *FileStore) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	dir := filepath.Join(s.root, sessionID, "branches")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	var out []*models.Branch
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		branch, err := s.LoadBranch(ctx, sessionID, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, branch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) ForkBranch(ctx context.Context, sessionID, parentBranchID string, fromMessageIndex int, newBranchID string) (*models.Branch, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	branches, err := s.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	set := loadSet(branches)
	m, err := applyFork(set, parentBranchID, fromMessageIndex, newBranchID)
	if err != nil {
		return nil, err
	}
	if err := s.persistMutation(ctx, sessionID, m); err != nil {
		return nil, err
	}
	if session, err := s.LoadSession(ctx, sessionID); err == nil {
		session.AddBranch(newBranchID)
		if err := s.SaveSession(ctx, session); err != nil {
			return nil, err
		}
	}
	return m.created, nil
}

func (s *FileStore) DeleteBranch(ctx context.Context, sessionID, branchID string, recursive bool) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	branches, err := s.ListBranches(ctx, sessionID)
	if err != nil {
		return err
	}
	set := loadSet(branches)
	m, err := applyDelete(set, branchID, recursive)
	if err != nil {
		return err
	}
	for _, id := range m.deleted {
		if err := os.Remove(s.branchPath(sessionID, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := s.persistMutation(ctx, sessionID, m); err != nil {
		return err
	}
	if session, err := s.LoadSession(ctx, sessionID); err == nil {
		for _, id := range m.deleted {
			session.RemoveBranch(id)
			if session.ActiveBranchID == id {
				session.ActiveBranchID = models.MainBranchID
			}
		}
		return s.SaveSession(ctx, session)
	}
	return nil
}

func (s *FileStore) persistMutation(ctx context.Context, sessionID string, m *mutation) error {
	if m.created != nil {
		if err := s.saveBranchRaw(m.created); err != nil {
			return err
		}
	}
	for _, branch := range m.modified {
		if err := s.saveBranchRaw(branch); err != nil {
			return err
		}
	}
	return nil
}

// saveBranchRaw writes a branch without touching the session index.
func (s *FileStore) saveBranchRaw(branch *models.Branch) error {
	data, err := json.MarshalIndent(branchFile{Schema: SchemaVersion, Branch: branch}, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.branchPath(branch.SessionID, branch.ID), data)
}
