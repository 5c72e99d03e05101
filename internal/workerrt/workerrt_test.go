package workerrt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/gardenerd/gardenerd/internal/adapter"
	"github.com/gardenerd/gardenerd/internal/backlog"
	"github.com/gardenerd/gardenerd/internal/bus"
	"github.com/gardenerd/gardenerd/internal/priority"
	"github.com/gardenerd/gardenerd/internal/prstatus"
	"github.com/gardenerd/gardenerd/internal/worktree"
)

func TestBuildPrompt_RanksAndDropsByBudget(t *testing.T) {
	fragments := []ContextFragment{
		{Path: "z_global.md", Content: "policy text here", GlobalPolicy: true},
		{Path: "a_direct.go", Content: "direct hit content", DirectPath: true},
		{Path: "m_scope.go", Content: "same scope content", SameScope: true},
	}
	packet := BuildPrompt("do the task", fragments, 1000)
	if len(packet.IncludedPaths) != 3 {
		t.Fatalf("expected all 3 fragments included under a generous budget, got %v", packet.IncludedPaths)
	}
	if packet.IncludedPaths[0] != "a_direct.go" {
		t.Fatalf("expected direct-path fragment ranked first, got %v", packet.IncludedPaths)
	}
	if packet.ContextManifest == "" {
		t.Fatal("expected a non-empty context manifest hash")
	}
}

func TestBuildPrompt_MandatoryFragmentSurvivesTightBudget(t *testing.T) {
	fragments := []ContextFragment{
		{Path: "mandatory.md", Content: "must stay no matter the cost of this very long text", Mandatory: true},
		{Path: "optional.go", Content: "can be dropped", DirectPath: true},
	}
	packet := BuildPrompt("x", fragments, 1)
	found := false
	for _, p := range packet.IncludedPaths {
		if p == "mandatory.md" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected mandatory fragment to survive a tiny budget, included=%v dropped=%v", packet.IncludedPaths, packet.DroppedPaths)
	}
}

// stubBackend replays one StepResult per Execute call, or a fixed error.
type stubBackend struct {
	responses []adapter.StepResult
	call      int
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Execute(ctx context.Context, req adapter.Request) (adapter.StepResult, error) {
	if s.call >= len(s.responses) {
		return adapter.StepResult{}, &adapter.Error{Kind: adapter.ErrorKindLaunch, Backend: "stub", Message: "exhausted"}
	}
	r := s.responses[s.call]
	s.call++
	return r, nil
}

func terminalPayload(payload string) adapter.StepResult {
	return adapter.StepResult{Terminal: true, Payload: []byte(payload)}
}

func openTestStore(t *testing.T) *backlog.Store {
	t.Helper()
	store, err := backlog.Open(t.TempDir()+"/backlog.db", bus.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRuntime_RunOne_HappyPathSkipsPlanning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	taskID, err := store.Upsert(ctx, backlog.NewTask{
		Kind: backlog.KindBugfix, Title: "fix the thing", ScopeKey: "svc/x", Priority: priority.P1,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	backend := &stubBackend{responses: []adapter.StepResult{
		terminalPayload(`{"category":"skip_planning"}`), // Understand
		terminalPayload(`{"changed_paths":["a.go"]}`),   // Doing
		terminalPayload(`{"branch":"b","commit":"c"}`),  // Gitting
		terminalPayload(`{"verdict":"pass"}`),           // Reviewing
		terminalPayload(`{"verdict":"merged"}`),         // Merging
	}}

	rt := &Runtime{Store: store, Backend: backend, WorkerID: "w1", LeaseDuration: time.Minute, HeartbeatEvery: time.Hour}
	claimed, err := rt.RunOne(ctx)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if !claimed {
		t.Fatal("expected a task to be claimed")
	}

	got, err := store.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != backlog.StatusComplete {
		t.Fatalf("expected task complete, got %s", got.Status)
	}
}

func TestRuntime_RunOne_NoTaskReturnsFalse(t *testing.T) {
	store := openTestStore(t)
	rt := &Runtime{Store: store, Backend: &stubBackend{}, WorkerID: "w1", LeaseDuration: time.Minute, HeartbeatEvery: time.Hour}
	claimed, err := rt.RunOne(context.Background())
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if claimed {
		t.Fatal("expected no task claimable from an empty backlog")
	}
}

func TestRuntime_RunOne_AdapterFailureMarksTaskFailed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	taskID, err := store.Upsert(ctx, backlog.NewTask{
		Kind: backlog.KindFeature, Title: "add the thing", ScopeKey: "svc/y", Priority: priority.P2,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	backend := &stubBackend{} // exhausted immediately: first Execute call fails
	rt := &Runtime{Store: store, Backend: backend, WorkerID: "w1", LeaseDuration: time.Minute, HeartbeatEvery: time.Hour}
	claimed, err := rt.RunOne(ctx)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if !claimed {
		t.Fatal("expected a task to be claimed")
	}

	got, err := store.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != backlog.StatusFailed {
		t.Fatalf("expected task failed, got %s", got.Status)
	}
}

func TestRuntime_RunOne_ReviewCapParksTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	taskID, err := store.Upsert(ctx, backlog.NewTask{
		Kind: backlog.KindQualityGap, Title: "polish it", ScopeKey: "svc/z", Priority: priority.P0,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	responses := []adapter.StepResult{terminalPayload(`{"category":"skip_planning"}`)} // Understand
	for i := 0; i < 4; i++ {
		responses = append(responses,
			terminalPayload(`{"changed_paths":["a.go"]}`),          // Doing
			terminalPayload(`{"branch":"b","commit":"c"}`),         // Gitting
			terminalPayload(`{"verdict":"changes_requested"}`),     // Reviewing: always asks for more
		)
	}
	backend := &stubBackend{responses: responses}

	rt := &Runtime{Store: store, Backend: backend, WorkerID: "w1", LeaseDuration: time.Minute, HeartbeatEvery: time.Hour}
	claimed, err := rt.RunOne(ctx)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if !claimed {
		t.Fatal("expected a task to be claimed")
	}

	got, err := store.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != backlog.StatusUnresolved {
		t.Fatalf("expected task parked as unresolved after exceeding the review cap, got %s", got.Status)
	}
}

func TestRuntime_RunOne_MergeConflictResolvedCyclesBackToGitting(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	taskID, err := store.Upsert(ctx, backlog.NewTask{
		Kind: backlog.KindBugfix, Title: "fix the thing", ScopeKey: "svc/x", Priority: priority.P1,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	backend := &stubBackend{responses: []adapter.StepResult{
		terminalPayload(`{"category":"skip_planning"}`), // Understand
		terminalPayload(`{"changed_paths":["a.go"]}`),   // Doing
		terminalPayload(`{"branch":"b","commit":"c"}`),  // Gitting
		terminalPayload(`{"verdict":"pass"}`),           // Reviewing
		terminalPayload(`{"verdict":"conflict"}`),        // Merging: conflict
		terminalPayload(`{"resolution":"resolved"}`),    // conflict-resolution sub-turn
		terminalPayload(`{"branch":"b","commit":"c2"}`), // Gitting again
		terminalPayload(`{"verdict":"pass"}`),           // Reviewing
		terminalPayload(`{"verdict":"merged"}`),         // Merging: clean this time
	}}

	rt := &Runtime{Store: store, Backend: backend, WorkerID: "w1", LeaseDuration: time.Minute, HeartbeatEvery: time.Hour}
	claimed, err := rt.RunOne(ctx)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if !claimed {
		t.Fatal("expected a task to be claimed")
	}

	got, err := store.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != backlog.StatusComplete {
		t.Fatalf("expected task complete after a resolved conflict cycled back through Gitting, got %s", got.Status)
	}
}

func TestRuntime_RunOne_MergeConflictUnresolvableFailsTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	taskID, err := store.Upsert(ctx, backlog.NewTask{
		Kind: backlog.KindBugfix, Title: "fix the thing", ScopeKey: "svc/x", Priority: priority.P1,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	backend := &stubBackend{responses: []adapter.StepResult{
		terminalPayload(`{"category":"skip_planning"}`),      // Understand
		terminalPayload(`{"changed_paths":["a.go"]}`),        // Doing
		terminalPayload(`{"branch":"b","commit":"c"}`),       // Gitting
		terminalPayload(`{"verdict":"pass"}`),                // Reviewing
		terminalPayload(`{"verdict":"conflict"}`),             // Merging: conflict
		terminalPayload(`{"resolution":"unresolvable"}`),     // conflict-resolution sub-turn gives up
	}}

	rt := &Runtime{Store: store, Backend: backend, WorkerID: "w1", LeaseDuration: time.Minute, HeartbeatEvery: time.Hour}
	claimed, err := rt.RunOne(ctx)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if !claimed {
		t.Fatal("expected a task to be claimed")
	}

	got, err := store.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != backlog.StatusFailed {
		t.Fatalf("expected task failed after an unresolvable conflict, got %s", got.Status)
	}
}

func TestRuntime_RunOne_DoingTurnCapFailsTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	taskID, err := store.Upsert(ctx, backlog.NewTask{
		Kind: backlog.KindBugfix, Title: "fix the thing", ScopeKey: "svc/x", Priority: priority.P1,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	runawayDoing := terminalPayload(`{"changed_paths":["a.go"]}`)
	for i := 0; i < MaxDoingTurns+1; i++ {
		runawayDoing.Events = append(runawayDoing.Events, adapter.AgentEvent{Type: adapter.EventToolCall, Raw: fmt.Sprintf("tool call %d", i)})
	}
	backend := &stubBackend{responses: []adapter.StepResult{
		terminalPayload(`{"category":"skip_planning"}`), // Understand
		runawayDoing,                                    // Doing: over the turn cap
	}}

	rt := &Runtime{Store: store, Backend: backend, WorkerID: "w1", LeaseDuration: time.Minute, HeartbeatEvery: time.Hour}
	claimed, err := rt.RunOne(ctx)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if !claimed {
		t.Fatal("expected a task to be claimed")
	}

	got, err := store.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != backlog.StatusFailed {
		t.Fatalf("expected task failed after exceeding the doing turn cap, got %s", got.Status)
	}
}

// fakePRStatusChecker reports a fixed merged state without touching GitHub.
type fakePRStatusChecker struct {
	merged bool
}

func (f fakePRStatusChecker) Status(ctx context.Context, prNumber int) (prstatus.Status, error) {
	return prstatus.Status{Merged: f.merged}, nil
}

func (f fakePRStatusChecker) ListOpenPRs(ctx context.Context) ([]prstatus.OpenPR, error) {
	return nil, nil
}

func TestRuntime_RunOne_MergeVerificationFailsWhenPRNotMerged(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	taskID, err := store.Upsert(ctx, backlog.NewTask{
		Kind: backlog.KindBugfix, Title: "fix the thing", ScopeKey: "svc/x", Priority: priority.P1,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	backend := &stubBackend{responses: []adapter.StepResult{
		terminalPayload(`{"category":"skip_planning"}`),  // Understand
		terminalPayload(`{"changed_paths":["a.go"]}`),    // Doing
		terminalPayload(`{"branch":"b","commit":"c"}`),   // Gitting
		terminalPayload(`{"verdict":"pass"}`),            // Reviewing
		terminalPayload(`{"verdict":"merged","pr":42}`),  // Merging: agent claims merged
	}}

	rt := &Runtime{
		Store: store, Backend: backend, WorkerID: "w1", LeaseDuration: time.Minute, HeartbeatEvery: time.Hour,
		PRStatus: fakePRStatusChecker{merged: false},
	}
	claimed, err := rt.RunOne(ctx)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if !claimed {
		t.Fatal("expected a task to be claimed")
	}

	got, err := store.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != backlog.StatusFailed {
		t.Fatalf("expected task failed when the PR tracker disagrees with the agent's merged claim, got %s", got.Status)
	}
}

func initMainBranchRepo(t *testing.T) (repoPath string, headHash string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("a.txt"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sig := &object.Signature{Name: "t", Email: "t@example.com", When: time.Unix(0, 0)}
	h, err := wt.Commit("first", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	mainRef := plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), h)
	if err := repo.Storer.SetReference(mainRef); err != nil {
		t.Fatalf("set main ref: %v", err)
	}
	return dir, h.String()
}

func TestRuntime_RunOne_CreatesWorktreeAndTearsItDownOnComplete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	repoPath, _ := initMainBranchRepo(t)
	worktreesRoot := filepath.Join(t.TempDir(), "worktrees")
	wm := worktree.New(repoPath, worktreesRoot)

	taskID, err := store.Upsert(ctx, backlog.NewTask{
		Kind: backlog.KindBugfix, Title: "fix the thing", ScopeKey: "svc/x", Priority: priority.P1,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	branch := "gardenerd/" + taskID

	backend := &stubBackend{responses: []adapter.StepResult{
		terminalPayload(`{"category":"skip_planning"}`), // Understand
		terminalPayload(`{"changed_paths":["a.go"]}`),   // Doing
		terminalPayload(`{}`),                           // Gitting: leave sess.Branch as the worktree branch
		terminalPayload(`{"verdict":"pass"}`),           // Reviewing
		terminalPayload(`{"verdict":"merged"}`),         // Merging
	}}

	rt := &Runtime{
		Store: store, Backend: backend, WorkerID: "w1", LeaseDuration: time.Minute, HeartbeatEvery: time.Hour,
		Worktrees: wm, BaseBranch: "main",
	}
	claimed, err := rt.RunOne(ctx)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if !claimed {
		t.Fatal("expected a task to be claimed")
	}

	got, err := store.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != backlog.StatusComplete {
		t.Fatalf("expected task complete, got %s", got.Status)
	}

	entries, err := wm.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range entries {
		if e.Branch == branch {
			t.Fatalf("expected worktree for branch %q to be removed on teardown, found %+v", branch, e)
		}
	}
}
