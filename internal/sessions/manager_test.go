package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/weftwork/weft/pkg/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(NewMemoryStore(), logger, ManagerConfig{BranchCacheSize: 4})
}

func TestManagerCreateAndActivate(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	session, err := mgr.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	branch, err := mgr.LoadBranch(ctx, session.ID, models.MainBranchID)
	if err != nil {
		t.Fatalf("LoadBranch: %v", err)
	}
	if branch.ID != models.MainBranchID {
		t.Errorf("branch ID = %q, want main", branch.ID)
	}

	if err := mgr.ActivateBranch(ctx, session.ID, "ghost"); !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("ActivateBranch(missing) = %v, want ErrBranchNotFound", err)
	}
}

func TestManagerForkAtMessageLeavesEditedMessageOut(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	session, err := mgr.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	branch, _ := mgr.LoadBranch(ctx, session.ID, models.MainBranchID)
	branch.Messages = []*models.Message{
		models.NewUserText("first question"),
		models.NewMessage(models.RoleAssistant, models.TextContent{Text: "first answer"}),
		models.NewUserText("second question"),
		models.NewMessage(models.RoleAssistant, models.TextContent{Text: "second answer"}),
	}
	if err := mgr.SaveBranch(ctx, branch); err != nil {
		t.Fatalf("SaveBranch: %v", err)
	}

	// Editing message 2 forks with the prior exchange only; the caller then
	// submits the replacement on the new branch.
	fork, err := mgr.ForkBranchAtMessage(ctx, session.ID, models.MainBranchID, 2, "edit-1")
	if err != nil {
		t.Fatalf("ForkBranchAtMessage: %v", err)
	}
	if len(fork.Messages) != 2 {
		t.Fatalf("fork messages = %d, want 2", len(fork.Messages))
	}
	if fork.Messages[1].Text() != "first answer" {
		t.Errorf("last forked message = %q, want the first answer", fork.Messages[1].Text())
	}

	if err := mgr.ActivateBranch(ctx, session.ID, "edit-1"); err != nil {
		t.Fatalf("ActivateBranch: %v", err)
	}
	sess, _ := mgr.Load(ctx, session.ID)
	if sess.ActiveBranchID != "edit-1" {
		t.Errorf("ActiveBranchID = %q, want edit-1", sess.ActiveBranchID)
	}
}

func TestManagerCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	session, _ := mgr.CreateSession(ctx)

	a, _ := mgr.LoadBranch(ctx, session.ID, models.MainBranchID)
	a.Messages = append(a.Messages, models.NewUserText("mutation on my copy"))

	b, _ := mgr.LoadBranch(ctx, session.ID, models.MainBranchID)
	if len(b.Messages) != 0 {
		t.Errorf("cache leaked caller mutation: %d messages", len(b.Messages))
	}
}

func TestManagerBeginRun(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	session, _ := mgr.CreateSession(ctx)

	branch, release, err := mgr.BeginRun(ctx, session.ID, models.MainBranchID)
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if branch == nil {
		t.Fatal("BeginRun returned nil branch")
	}
	if !mgr.RunActive(session.ID, models.MainBranchID) {
		t.Error("RunActive = false during run")
	}
	if _, _, err := mgr.BeginRun(ctx, session.ID, models.MainBranchID); !errors.Is(err, ErrRunActive) {
		t.Errorf("concurrent BeginRun = %v, want ErrRunActive", err)
	}
	release()
	if mgr.RunActive(session.ID, models.MainBranchID) {
		t.Error("RunActive = true after release")
	}
}

func TestManagerBeginRunArchivedBranch(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	session, _ := mgr.CreateSession(ctx)

	if err := mgr.ArchiveBranch(ctx, session.ID, models.MainBranchID, true); err != nil {
		t.Fatalf("ArchiveBranch: %v", err)
	}
	if _, _, err := mgr.BeginRun(ctx, session.ID, models.MainBranchID); !errors.Is(err, ErrBranchArchived) {
		t.Errorf("BeginRun on archived branch = %v, want ErrBranchArchived", err)
	}
	// The failed run must not leave the lock held.
	if mgr.RunActive(session.ID, models.MainBranchID) {
		t.Error("lock leaked after archived-branch rejection")
	}

	if err := mgr.ArchiveBranch(ctx, session.ID, models.MainBranchID, false); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	_, release, err := mgr.BeginRun(ctx, session.ID, models.MainBranchID)
	if err != nil {
		t.Fatalf("BeginRun after unarchive: %v", err)
	}
	release()
}

func TestManagerDeleteBranchDropsCache(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	session, _ := mgr.CreateSession(ctx)

	branch, _ := mgr.LoadBranch(ctx, session.ID, models.MainBranchID)
	branch.Messages = append(branch.Messages, models.NewUserText("hi"), models.NewUserText("again"))
	if err := mgr.SaveBranch(ctx, branch); err != nil {
		t.Fatalf("SaveBranch: %v", err)
	}
	if _, err := mgr.ForkBranchAtMessage(ctx, session.ID, models.MainBranchID, 1, "alt"); err != nil {
		t.Fatalf("fork: %v", err)
	}
	if err := mgr.DeleteBranch(ctx, session.ID, "alt", false); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	if _, err := mgr.LoadBranch(ctx, session.ID, "alt"); !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("deleted branch still loadable: %v", err)
	}
}

func TestManagerBranchStats(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	session, _ := mgr.CreateSession(ctx)

	branch, _ := mgr.LoadBranch(ctx, session.ID, models.MainBranchID)
	branch.Messages = append(branch.Messages, models.NewUserText("one"), models.NewUserText("two"))
	if err := mgr.SaveBranch(ctx, branch); err != nil {
		t.Fatalf("SaveBranch: %v", err)
	}
	if _, err := mgr.ForkBranchAtMessage(ctx, session.ID, models.MainBranchID, 1, "alt"); err != nil {
		t.Fatalf("fork: %v", err)
	}

	stats, err := mgr.BranchStats(ctx, session.ID)
	if err != nil {
		t.Fatalf("BranchStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %d entries, want 2", len(stats))
	}
	byID := map[string]models.BranchStats{}
	for _, s := range stats {
		byID[s.BranchID] = s
	}
	if byID[models.MainBranchID].MessageCount != 2 || byID[models.MainBranchID].ChildCount != 1 {
		t.Errorf("main stats = %+v", byID[models.MainBranchID])
	}
	if byID["alt"].MessageCount != 1 {
		t.Errorf("alt stats = %+v", byID["alt"])
	}
}

func TestManagerConcurrentBranchAccess(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	session, err := mgr.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := mgr.ForkBranchAtMessage(ctx, session.ID, models.MainBranchID, 0, "alt"); err != nil {
		t.Fatalf("fork: %v", err)
	}

	// Loads and saves on both branches race through the shared cache.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		branchID := models.MainBranchID
		if i%2 == 1 {
			branchID = "alt"
		}
		wg.Add(1)
		go func(branchID string) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				branch, err := mgr.LoadBranch(ctx, session.ID, branchID)
				if err != nil {
					t.Errorf("LoadBranch(%s): %v", branchID, err)
					return
				}
				branch.Messages = append(branch.Messages, models.NewUserText("ping"))
				if err := mgr.SaveBranch(ctx, branch); err != nil {
					t.Errorf("SaveBranch(%s): %v", branchID, err)
					return
				}
			}
		}(branchID)
	}
	wg.Wait()
}

func TestManagerForkCachesLinkedBranch(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	session, _ := mgr.CreateSession(ctx)

	branch, _ := mgr.LoadBranch(ctx, session.ID, models.MainBranchID)
	branch.Messages = append(branch.Messages, models.NewUserText("one"), models.NewUserText("two"))
	if err := mgr.SaveBranch(ctx, branch); err != nil {
		t.Fatalf("SaveBranch: %v", err)
	}

	fork, err := mgr.ForkBranchAtMessage(ctx, session.ID, models.MainBranchID, 1, "alt-1")
	if err != nil {
		t.Fatalf("ForkBranchAtMessage: %v", err)
	}
	if fork.TotalSiblings != 1 || fork.SiblingIndex != 0 {
		t.Errorf("fork linkage = index %d of %d, want 0 of 1", fork.SiblingIndex, fork.TotalSiblings)
	}

	// The cached copy must agree with the store.
	cached, err := mgr.LoadBranch(ctx, session.ID, "alt-1")
	if err != nil {
		t.Fatalf("LoadBranch(alt-1): %v", err)
	}
	if cached.TotalSiblings != 1 || cached.SiblingIndex != 0 {
		t.Errorf("cached linkage = index %d of %d, want 0 of 1", cached.SiblingIndex, cached.TotalSiblings)
	}
}
