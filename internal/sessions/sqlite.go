package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/weftwork/weft/pkg/models"
)

// SQLiteStore persists sessions and branches as JSON documents in SQLite.
// Structural mutations run in a transaction, giving fork and delete the
// atomicity the file store only approximates.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS branches (
	session_id TEXT NOT NULL,
	branch_id  TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, branch_id)
);
CREATE INDEX IF NOT EXISTS idx_branches_session ON branches(session_id);
`

// NewSQLiteStore opens (and migrates) a store at path. Use ":memory:" for
// an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("corrupt session row for %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session *models.Session) error {
	cp := session.Clone()
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		cp.ID, string(data), cp.CreatedAt, cp.UpdatedAt)
	return err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM branches WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var session models.Session
		if err := json.Unmarshal([]byte(data), &session); err != nil {
			return nil, err
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadBranch(ctx context.Context, sessionID, branchID string) (*models.Branch, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM branches WHERE session_id = ? AND branch_id = ?`, sessionID, branchID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrBranchNotFound, sessionID, branchID)
	}
	if err != nil {
		return nil, err
	}
	var branch models.Branch
	if err := json.Unmarshal([]byte(data), &branch); err != nil {
		return nil, fmt.Errorf("corrupt branch row for %s/%s: %w", sessionID, branchID, err)
	}
	return &branch, nil
}

func (s *SQLiteStore) SaveBranch(ctx context.Context, branch *models.Branch) error {
	cp := branch.Clone()
	cp.UpdatedAt = time.Now().UTC()
	return s.saveBranchTx(ctx, s.db, cp)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) saveBranchTx(ctx context.Context, tx execer, branch *models.Branch) error {
	data, err := json.Marshal(branch)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO branches (session_id, branch_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, branch_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		branch.SessionID, branch.ID, string(data), branch.CreatedAt, branch.UpdatedAt)
	return err
}

func (s *SQLiteStore) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM branches WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Branch
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var branch models.Branch
		if err := json.Unmarshal([]byte(data), &branch); err != nil {
			return nil, err
		}
		out = append(out, &branch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.LoadSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) ForkBranch(ctx context.Context, sessionID, parentBranchID string, fromMessageIndex int, newBranchID string) (*models.Branch, error) {
	branches, err := s.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	set := loadSet(branches)
	m, err := applyFork(set, parentBranchID, fromMessageIndex, newBranchID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.saveBranchTx(ctx, tx, m.created); err != nil {
		return nil, err
	}
	for _, branch := range m.modified {
		if err := s.saveBranchTx(ctx, tx, branch); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
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

func (s *SQLiteStore) DeleteBranch(ctx context.Context, sessionID, branchID string, recursive bool) error {
	branches, err := s.ListBranches(ctx, sessionID)
	if err != nil {
		return err
	}
	set := loadSet(branches)
	m, err := applyDelete(set, branchID, recursive)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range m.deleted {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM branches WHERE session_id = ? AND branch_id = ?`, sessionID, id); err != nil {
			return err
		}
	}
	for _, branch := range m.modified {
		if err := s.saveBranchTx(ctx, tx, branch); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
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
