package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/weftwork/weft/pkg/models"
)

// eachStore runs fn against all three store implementations.
func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("file", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		fn(t, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "weft.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func seedSession(t *testing.T, store Store, messages int) (*models.Session, *models.Branch) {
	t.Helper()
	ctx := context.Background()
	session, branch, err := CreateSession(ctx, store)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < messages; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		branch.Messages = append(branch.Messages, models.NewMessage(role, models.TextContent{Text: "m"}))
	}
	if err := store.SaveBranch(ctx, branch); err != nil {
		t.Fatalf("SaveBranch: %v", err)
	}
	return session, branch
}

func TestStoreSessionRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, _ := seedSession(t, store, 4)

		loaded, err := store.LoadSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("LoadSession: %v", err)
		}
		if loaded.ID != session.ID {
			t.Errorf("session ID = %q, want %q", loaded.ID, session.ID)
		}
		if loaded.ActiveBranchID != models.MainBranchID {
			t.Errorf("ActiveBranchID = %q, want %q", loaded.ActiveBranchID, models.MainBranchID)
		}
		if !loaded.HasBranch(models.MainBranchID) {
			t.Error("session index missing main branch")
		}

		branch, err := store.LoadBranch(ctx, session.ID, models.MainBranchID)
		if err != nil {
			t.Fatalf("LoadBranch: %v", err)
		}
		if len(branch.Messages) != 4 {
			t.Errorf("messages = %d, want 4", len(branch.Messages))
		}
		if branch.Messages[0].Role != models.RoleUser {
			t.Errorf("first role = %q, want user", branch.Messages[0].Role)
		}
	})
}

func TestStoreLoadMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if _, err := store.LoadSession(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("LoadSession(missing) = %v, want ErrSessionNotFound", err)
		}
		session, _ := seedSession(t, store, 0)
		if _, err := store.LoadBranch(ctx, session.ID, "nope"); !errors.Is(err, ErrBranchNotFound) {
			t.Errorf("LoadBranch(missing) = %v, want ErrBranchNotFound", err)
		}
	})
}

func TestStoreDeleteSession(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, _ := seedSession(t, store, 2)
		if err := store.DeleteSession(ctx, session.ID); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := store.LoadSession(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("after delete, LoadSession = %v, want ErrSessionNotFound", err)
		}
		if err := store.DeleteSession(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("double delete = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestStoreListSessions(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a, _ := seedSession(t, store, 0)
		b, _ := seedSession(t, store, 0)

		sessions, err := store.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) != 2 {
			t.Fatalf("sessions = %d, want 2", len(sessions))
		}
		got := map[string]bool{sessions[0].ID: true, sessions[1].ID: true}
		if !got[a.ID] || !got[b.ID] {
			t.Errorf("listing missing sessions: got %v", got)
		}
	})
}

func TestStoreForkCopiesPrefix(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 6)

		child, err := store.ForkBranch(ctx, session.ID, parent.ID, 4, "alt")
		if err != nil {
			t.Fatalf("ForkBranch: %v", err)
		}
		if child.ForkedAtIndex != 4 {
			t.Errorf("ForkedAtIndex = %d, want 4", child.ForkedAtIndex)
		}
		if len(child.Messages) != 4 {
			t.Fatalf("child messages = %d, want 4", len(child.Messages))
		}
		for i, msg := range child.Messages {
			if msg.ID != parent.Messages[i].ID {
				t.Errorf("message %d: id %q != parent %q", i, msg.ID, parent.Messages[i].ID)
			}
		}
		if child.ParentID == nil || *child.ParentID != parent.ID {
			t.Errorf("ParentID = %v, want %q", child.ParentID, parent.ID)
		}
		if child.Lineage[0] != parent.ID {
			t.Errorf("lineage[0] = %q, want %q", child.Lineage[0], parent.ID)
		}

		// The parent gains the child; the session index gains the branch.
		reloaded, err := store.LoadBranch(ctx, session.ID, parent.ID)
		if err != nil {
			t.Fatalf("LoadBranch(parent): %v", err)
		}
		if len(reloaded.ChildIDs) != 1 || reloaded.ChildIDs[0] != "alt" {
			t.Errorf("parent ChildIDs = %v, want [alt]", reloaded.ChildIDs)
		}
		sess, err := store.LoadSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("LoadSession: %v", err)
		}
		if !sess.HasBranch("alt") {
			t.Error("session index missing forked branch")
		}
	})
}

func TestStoreForkErrors(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 3)

		if _, err := store.ForkBranch(ctx, session.ID, "ghost", 1, "x"); !errors.Is(err, ErrBranchNotFound) {
			t.Errorf("fork from missing parent = %v, want ErrBranchNotFound", err)
		}
		if _, err := store.ForkBranch(ctx, session.ID, parent.ID, 7, "x"); !errors.Is(err, ErrInvalidForkIndex) {
			t.Errorf("fork past end = %v, want ErrInvalidForkIndex", err)
		}
		if _, err := store.ForkBranch(ctx, session.ID, parent.ID, -1, "x"); !errors.Is(err, ErrInvalidForkIndex) {
			t.Errorf("negative fork index = %v, want ErrInvalidForkIndex", err)
		}
		if _, err := store.ForkBranch(ctx, session.ID, parent.ID, 1, parent.ID); !errors.Is(err, ErrBranchAlreadyExists) {
			t.Errorf("fork onto existing id = %v, want ErrBranchAlreadyExists", err)
		}
	})
}

func TestStoreForkCarriesExpandedContainers(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 2)
		parent.State = &models.ExecutionState{
			Iteration:          7,
			ExpandedContainers: []string{"files", "web"},
		}
		if err := store.SaveBranch(ctx, parent); err != nil {
			t.Fatalf("SaveBranch: %v", err)
		}

		child, err := store.ForkBranch(ctx, session.ID, parent.ID, 2, "alt")
		if err != nil {
			t.Fatalf("ForkBranch: %v", err)
		}
		if child.State == nil {
			t.Fatal("child state is nil")
		}
		if got := child.State.ExpandedContainers; len(got) != 2 || got[0] != "files" || got[1] != "web" {
			t.Errorf("ExpandedContainers = %v, want [files web]", got)
		}
		if child.State.Iteration != 0 {
			t.Errorf("Iteration = %d, want 0 on fork", child.State.Iteration)
		}
	})
}

func TestStoreDeleteBranch(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 4)
		if _, err := store.ForkBranch(ctx, session.ID, parent.ID, 2, "alt"); err != nil {
			t.Fatalf("ForkBranch: %v", err)
		}

		if err := store.DeleteBranch(ctx, session.ID, models.MainBranchID, false); !errors.Is(err, ErrCannotDeleteMain) {
			t.Errorf("delete main = %v, want ErrCannotDeleteMain", err)
		}
		if err := store.DeleteBranch(ctx, session.ID, "alt", false); err != nil {
			t.Fatalf("DeleteBranch: %v", err)
		}
		if _, err := store.LoadBranch(ctx, session.ID, "alt"); !errors.Is(err, ErrBranchNotFound) {
			t.Errorf("after delete, LoadBranch = %v, want ErrBranchNotFound", err)
		}
		reloaded, err := store.LoadBranch(ctx, session.ID, parent.ID)
		if err != nil {
			t.Fatalf("LoadBranch(parent): %v", err)
		}
		if len(reloaded.ChildIDs) != 0 {
			t.Errorf("parent ChildIDs = %v, want empty", reloaded.ChildIDs)
		}
		sess, _ := store.LoadSession(ctx, session.ID)
		if sess.HasBranch("alt") {
			t.Error("session index still holds deleted branch")
		}
	})
}

func TestStoreDeleteBranchRecursive(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 4)
		if _, err := store.ForkBranch(ctx, session.ID, parent.ID, 2, "alt"); err != nil {
			t.Fatalf("fork alt: %v", err)
		}
		if _, err := store.ForkBranch(ctx, session.ID, "alt", 1, "alt-child"); err != nil {
			t.Fatalf("fork alt-child: %v", err)
		}

		if err := store.DeleteBranch(ctx, session.ID, "alt", false); !errors.Is(err, ErrBranchHasChildren) {
			t.Errorf("non-recursive delete with children = %v, want ErrBranchHasChildren", err)
		}
		if err := store.DeleteBranch(ctx, session.ID, "alt", true); err != nil {
			t.Fatalf("recursive delete: %v", err)
		}
		for _, id := range []string{"alt", "alt-child"} {
			if _, err := store.LoadBranch(ctx, session.ID, id); !errors.Is(err, ErrBranchNotFound) {
				t.Errorf("branch %s survived recursive delete: %v", id, err)
			}
		}
	})
}

func TestStoreDeleteActiveBranchFallsBackToMain(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 2)
		if _, err := store.ForkBranch(ctx, session.ID, parent.ID, 1, "alt"); err != nil {
			t.Fatalf("ForkBranch: %v", err)
		}
		sess, _ := store.LoadSession(ctx, session.ID)
		sess.ActiveBranchID = "alt"
		if err := store.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}

		if err := store.DeleteBranch(ctx, session.ID, "alt", false); err != nil {
			t.Fatalf("DeleteBranch: %v", err)
		}
		sess, _ = store.LoadSession(ctx, session.ID)
		if sess.ActiveBranchID != models.MainBranchID {
			t.Errorf("ActiveBranchID = %q, want %q", sess.ActiveBranchID, models.MainBranchID)
		}
	})
}

func TestStoreSiblingLinkage(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 4)
		for _, id := range []string{"s1", "s2", "s3"} {
			if _, err := store.ForkBranch(ctx, session.ID, parent.ID, 2, id); err != nil {
				t.Fatalf("fork %s: %v", id, err)
			}
		}

		load := func(id string) *models.Branch {
			b, err := store.LoadBranch(ctx, session.ID, id)
			if err != nil {
				t.Fatalf("LoadBranch(%s): %v", id, err)
			}
			return b
		}

		for i, id := range []string{"s1", "s2", "s3"} {
			b := load(id)
			if b.SiblingIndex != i {
				t.Errorf("%s SiblingIndex = %d, want %d", id, b.SiblingIndex, i)
			}
			if b.TotalSiblings != 3 {
				t.Errorf("%s TotalSiblings = %d, want 3", id, b.TotalSiblings)
			}
		}
		if b := load("s2"); b.PrevSiblingID == nil || *b.PrevSiblingID != "s1" || b.NextSiblingID == nil || *b.NextSiblingID != "s3" {
			t.Errorf("s2 linkage = (%v, %v), want (s1, s3)", b.PrevSiblingID, b.NextSiblingID)
		}

		// Deleting the middle sibling compacts the list.
		if err := store.DeleteBranch(ctx, session.ID, "s2", false); err != nil {
			t.Fatalf("DeleteBranch(s2): %v", err)
		}
		s1, s3 := load("s1"), load("s3")
		if s1.SiblingIndex != 0 || s1.TotalSiblings != 2 {
			t.Errorf("s1 after delete: index=%d total=%d, want 0/2", s1.SiblingIndex, s1.TotalSiblings)
		}
		if s3.SiblingIndex != 1 || s3.TotalSiblings != 2 {
			t.Errorf("s3 after delete: index=%d total=%d, want 1/2", s3.SiblingIndex, s3.TotalSiblings)
		}
		if s1.NextSiblingID == nil || *s1.NextSiblingID != "s3" {
			t.Errorf("s1.NextSiblingID = %v, want s3", s1.NextSiblingID)
		}
		if s3.PrevSiblingID == nil || *s3.PrevSiblingID != "s1" {
			t.Errorf("s3.PrevSiblingID = %v, want s1", s3.PrevSiblingID)
		}
		if s3.NextSiblingID != nil {
			t.Errorf("s3.NextSiblingID = %v, want nil", s3.NextSiblingID)
		}
	})
}

func TestStoreForksAtDifferentIndexesAreNotSiblings(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 4)
		if _, err := store.ForkBranch(ctx, session.ID, parent.ID, 2, "at2"); err != nil {
			t.Fatalf("fork at2: %v", err)
		}
		if _, err := store.ForkBranch(ctx, session.ID, parent.ID, 3, "at3"); err != nil {
			t.Fatalf("fork at3: %v", err)
		}

		at2, _ := store.LoadBranch(ctx, session.ID, "at2")
		at3, _ := store.LoadBranch(ctx, session.ID, "at3")
		if at2.TotalSiblings != 1 || at3.TotalSiblings != 1 {
			t.Errorf("TotalSiblings = %d/%d, want 1/1", at2.TotalSiblings, at3.TotalSiblings)
		}
		if at2.NextSiblingID != nil || at3.PrevSiblingID != nil {
			t.Error("branches forked at different indexes must not link as siblings")
		}
	})
}

func TestStoreNestedLineage(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 3)
		if _, err := store.ForkBranch(ctx, session.ID, parent.ID, 2, "child"); err != nil {
			t.Fatalf("fork child: %v", err)
		}
		grand, err := store.ForkBranch(ctx, session.ID, "child", 1, "grandchild")
		if err != nil {
			t.Fatalf("fork grandchild: %v", err)
		}

		if grand.Depth() != 2 {
			t.Errorf("Depth = %d, want 2", grand.Depth())
		}
		if grand.Lineage[0] != models.MainBranchID || grand.Lineage[1] != "child" {
			t.Errorf("Lineage = %v, want {0:main 1:child}", grand.Lineage)
		}
	})
}

func TestStoreForkReturnsLinkedSiblings(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session, parent := seedSession(t, store, 4)

		first, err := store.ForkBranch(ctx, session.ID, parent.ID, 2, "alt-1")
		if err != nil {
			t.Fatalf("fork alt-1: %v", err)
		}
		if first.SiblingIndex != 0 || first.TotalSiblings != 1 {
			t.Errorf("alt-1 = index %d of %d, want 0 of 1", first.SiblingIndex, first.TotalSiblings)
		}

		second, err := store.ForkBranch(ctx, session.ID, parent.ID, 2, "alt-2")
		if err != nil {
			t.Fatalf("fork alt-2: %v", err)
		}
		// The returned branch must already carry the linkage the store
		// persisted, not the pre-link zero values.
		if second.SiblingIndex != 1 || second.TotalSiblings != 2 {
			t.Errorf("alt-2 = index %d of %d, want 1 of 2", second.SiblingIndex, second.TotalSiblings)
		}
		if second.PrevSiblingID == nil || *second.PrevSiblingID != "alt-1" {
			t.Errorf("alt-2 PrevSiblingID = %v, want alt-1", second.PrevSiblingID)
		}

		persisted, err := store.LoadBranch(ctx, session.ID, "alt-2")
		if err != nil {
			t.Fatalf("LoadBranch(alt-2): %v", err)
		}
		if persisted.SiblingIndex != second.SiblingIndex || persisted.TotalSiblings != second.TotalSiblings {
			t.Errorf("persisted linkage (%d of %d) differs from returned (%d of %d)",
				persisted.SiblingIndex, persisted.TotalSiblings, second.SiblingIndex, second.TotalSiblings)
		}
	})
}
