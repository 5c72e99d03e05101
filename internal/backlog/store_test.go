package backlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gardenerd/gardenerd/internal/priority"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "backlog.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsert_DeduplicatesByIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.Upsert(ctx, NewTask{Kind: KindBugfix, Title: "Fix the thing", ScopeKey: "domain:x", Priority: priority.P2, Source: "lint"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	id2, err := s.Upsert(ctx, NewTask{Kind: KindBugfix, Title: "  fix   the thing ", ScopeKey: "domain:x", Priority: priority.P0, Source: "lint2"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected equal identity, got %q vs %q", id1, id2)
	}

	got, err := s.Get(ctx, id1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Priority != priority.P0 {
		t.Fatalf("expected priority upgraded to P0, got %s", got.Priority)
	}

	n, err := s.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a single deduplicated row, got %d", n)
	}
}

func TestClaimNext_OrdersByPriorityThenAge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, NewTask{Kind: KindFeature, Title: "low", ScopeKey: "a", Priority: priority.P2}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	highID, err := s.Upsert(ctx, NewTask{Kind: KindFeature, Title: "high", ScopeKey: "b", Priority: priority.P0})
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNext(ctx, "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimable task")
	}
	if claimed.TaskID != highID {
		t.Fatalf("expected P0 task claimed first, got %s", claimed.TaskID)
	}
	if claimed.Status != StatusLeased || claimed.LeaseOwner != "worker-1" {
		t.Fatalf("expected leased status with owner set, got %+v", claimed)
	}
}

func TestClaimNext_EmptyBacklogReturnsNil(t *testing.T) {
	s := openTestStore(t)
	claimed, err := s.ClaimNext(context.Background(), "worker-1", time.Second)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nil for empty backlog, got %+v", claimed)
	}
}

func TestLifecycle_LeaseOwnershipEnforced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, NewTask{Kind: KindFeature, Title: "x", ScopeKey: "a", Priority: priority.P1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext(ctx, "worker-1", 30*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkInProgress(ctx, id, "worker-2"); err != ErrOwnershipMismatch {
		t.Fatalf("expected ownership mismatch for wrong owner, got %v", err)
	}
	if err := s.MarkInProgress(ctx, id, "worker-1"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := s.MarkComplete(ctx, id, "worker-1"); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", got.Status)
	}
	if got.LeaseOwner != "" {
		t.Fatalf("expected lease cleared on completion, got owner %q", got.LeaseOwner)
	}
}

func TestRecoverStale_ReclaimsExpiredLeasesAndBumpsAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, NewTask{Kind: KindFeature, Title: "x", ScopeKey: "a", Priority: priority.P1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext(ctx, "worker-1", time.Millisecond); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour)
	n, err := s.RecoverStale(ctx, future)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed lease, got %d", n)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusReady {
		t.Fatalf("expected task returned to ready, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count incremented once, got %d", got.AttemptCount)
	}
	if got.LeaseOwner != "" {
		t.Fatalf("expected lease cleared, got owner %q", got.LeaseOwner)
	}
}

func TestRecoverStale_NeverTouchesUnresolved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Upsert(ctx, NewTask{Kind: KindFeature, Title: "x", ScopeKey: "a", Priority: priority.P1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext(ctx, "worker-1", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInProgress(ctx, id, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkUnresolved(ctx, id, "worker-1"); err != nil {
		t.Fatal(err)
	}

	n, err := s.RecoverStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected unresolved task excluded from recovery, got %d reclaimed", n)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusUnresolved {
		t.Fatalf("expected task to remain unresolved, got %s", got.Status)
	}
}

func TestOpen_ReopenPreservesSchemaAndData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backlog.db")

	s1, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s1.Upsert(context.Background(), NewTask{Kind: KindFeature, Title: "persisted", ScopeKey: "a", Priority: priority.P1})
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("expected task to survive reopen: %v", err)
	}
	if got.Title != "persisted" {
		t.Fatalf("got %q", got.Title)
	}
}
