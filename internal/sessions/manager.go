package sessions

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftwork/weft/pkg/models"
)

// ManagerConfig tunes the session manager.
type ManagerConfig struct {
	// BranchCacheSize caps the in-memory branch LRU. Default: 128.
	BranchCacheSize int `yaml:"branch_cache_size" json:"branch_cache_size"`

	// LockTimeout bounds waits for a branch's run lock. Default: 30s.
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
}

// DefaultManagerConfig returns the standard manager settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BranchCacheSize: 128,
		LockTimeout:     30 * time.Second,
	}
}

// Manager owns session and branch lifecycle on top of a Store: creation,
// activation, forking, deletion, and the per-branch run locks. Reads go
// through an LRU of recently used branches; writes go through to the store.
type Manager struct {
	store  Store
	locker *BranchLocker
	logger *slog.Logger
	cfg    ManagerConfig

	cache *branchCache
}

// NewManager creates a manager over store.
func NewManager(store Store, logger *slog.Logger, cfg ManagerConfig) *Manager {
	defaults := DefaultManagerConfig()
	if cfg.BranchCacheSize <= 0 {
		cfg.BranchCacheSize = defaults.BranchCacheSize
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaults.LockTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		locker: NewBranchLocker(cfg.LockTimeout),
		logger: logger,
		cfg:    cfg,
		cache:  newBranchCache(cfg.BranchCacheSize),
	}
}

// Store exposes the underlying store.
func (m *Manager) Store() Store { return m.store }

// CreateSession creates a session with its main branch.
func (m *Manager) CreateSession(ctx context.Context) (*models.Session, error) {
	session, branch, err := CreateSession(ctx, m.store)
	if err != nil {
		return nil, err
	}
	m.cache.put(branch)
	m.logger.Info("session created", "session_id", session.ID)
	return session, nil
}

// Load fetches a session.
func (m *Manager) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.store.LoadSession(ctx, sessionID)
}

// LoadBranch fetches a branch, via the LRU when possible.
func (m *Manager) LoadBranch(ctx context.Context, sessionID, branchID string) (*models.Branch, error) {
	if branch, ok := m.cache.get(sessionID, branchID); ok {
		return branch, nil
	}
	branch, err := m.store.LoadBranch(ctx, sessionID, branchID)
	if err != nil {
		return nil, err
	}
	m.cache.put(branch)
	return branch, nil
}

// SaveBranch persists a branch and refreshes the LRU.
func (m *Manager) SaveBranch(ctx context.Context, branch *models.Branch) error {
	if err := m.store.SaveBranch(ctx, branch); err != nil {
		return err
	}
	m.cache.put(branch)
	return nil
}

// ActivateBranch makes branchID the session's active branch.
func (m *Manager) ActivateBranch(ctx context.Context, sessionID, branchID string) error {
	session, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.HasBranch(branchID) {
		return fmt.Errorf("%w: %s/%s", ErrBranchNotFound, sessionID, branchID)
	}
	session.ActiveBranchID = branchID
	return m.store.SaveSession(ctx, session)
}

// ForkBranchAtMessage implements the fork-for-edit ("regenerate") contract:
// the new branch carries the parent's messages [0..messageIndex-1], leaving
// message messageIndex out so the caller can submit its replacement.
func (m *Manager) ForkBranchAtMessage(ctx context.Context, sessionID, branchID string, messageIndex int, newBranchID string) (*models.Branch, error) {
	branch, err := m.store.ForkBranch(ctx, sessionID, branchID, messageIndex, newBranchID)
	if err != nil {
		return nil, err
	}
	// Sibling pointers on cached copies are stale after a fork.
	m.cache.dropSession(sessionID)
	m.cache.put(branch)
	m.logger.Info("branch forked",
		"session_id", sessionID, "parent", branchID, "at", messageIndex, "branch_id", newBranchID)
	return branch, nil
}

// DeleteBranch removes a branch (and descendants when recursive).
func (m *Manager) DeleteBranch(ctx context.Context, sessionID, branchID string, recursive bool) error {
	if err := m.store.DeleteBranch(ctx, sessionID, branchID, recursive); err != nil {
		return err
	}
	m.cache.dropSession(sessionID)
	m.logger.Info("branch deleted", "session_id", sessionID, "branch_id", branchID, "recursive", recursive)
	return nil
}

// ArchiveBranch marks a branch read-only.
func (m *Manager) ArchiveBranch(ctx context.Context, sessionID, branchID string, archived bool) error {
	branch, err := m.LoadBranch(ctx, sessionID, branchID)
	if err != nil {
		return err
	}
	branch.Archived = archived
	return m.SaveBranch(ctx, branch)
}

// BranchStats summarizes each branch of a session.
func (m *Manager) BranchStats(ctx context.Context, sessionID string) ([]models.BranchStats, error) {
	branches, err := m.store.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]models.BranchStats, len(branches))
	for i, b := range branches {
		out[i] = b.Stats()
	}
	return out, nil
}

// BeginRun acquires the branch's run lock and returns the branch ready for
// a run. Exactly one run may hold a branch at a time; the release function
// must be called when the run finishes.
func (m *Manager) BeginRun(ctx context.Context, sessionID, branchID string) (*models.Branch, func(), error) {
	release, err := m.locker.TryAcquire(sessionID, branchID)
	if err != nil {
		return nil, nil, err
	}
	branch, err := m.LoadBranch(ctx, sessionID, branchID)
	if err != nil {
		release()
		return nil, nil, err
	}
	if branch.Archived {
		release()
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrBranchArchived, sessionID, branchID)
	}
	return branch, release, nil
}

// RunActive reports whether a run currently holds the branch.
func (m *Manager) RunActive(sessionID, branchID string) bool {
	return m.locker.Held(sessionID, branchID)
}

// branchCache is a keyed LRU of deep-copied branches. Runs on different
// branches hit the cache concurrently, so every operation takes the lock.
type branchCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	key    string
	branch *models.Branch
}

func cacheKey(sessionID, branchID string) string {
	return sessionID + "/" + branchID
}

func newBranchCache(capacity int) *branchCache {
	return &branchCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *branchCache) get(sessionID, branchID string) (*models.Branch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[cacheKey(sessionID, branchID)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).branch.Clone(), true
}

func (c *branchCache) put(branch *models.Branch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(branch.SessionID, branch.ID)
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).branch = branch.Clone()
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, branch: branch.Clone()})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *branchCache) dropSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.entries {
		if elem.Value.(*cacheEntry).branch.SessionID == sessionID {
			c.order.Remove(elem)
			delete(c.entries, key)
		}
	}
}
