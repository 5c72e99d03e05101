package worktree

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestSanitizeBranch(t *testing.T) {
	if got := sanitizeBranch("feature/add thing"); got != "feature-add-thing" {
		t.Fatalf("got %q, want feature-add-thing", got)
	}
}

func TestWorktreePath_RejectsEscapeFromRoot(t *testing.T) {
	root := t.TempDir()
	m := New(t.TempDir(), root)

	if _, err := m.worktreePath(".."); err == nil {
		t.Fatal("expected a branch name of \"..\" to be rejected")
	}
	if _, err := m.worktreePath("feature-x"); err != nil {
		t.Fatalf("worktreePath: %v", err)
	}
}

func TestList_MissingRootReturnsEmpty(t *testing.T) {
	m := New(t.TempDir(), filepath.Join(t.TempDir(), "does-not-exist"))
	entries, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %v", entries)
	}
}

func TestList_ReportsPresentWorktreeDirs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "feature-x"), 0o755); err != nil {
		t.Fatal(err)
	}
	m := New(t.TempDir(), root)
	entries, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Branch != "feature-x" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func initRepoWithTwoCommits(t *testing.T) (repoPath string, firstHash, secondHash string) {
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
	sig := &object.Signature{Name: "t", Email: "t@example.com", When: time.Unix(0, 0)}

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("a.txt"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h1, err := wt.Commit("first", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("a.txt"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h2, err := wt.Commit("second", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	return dir, h1.String(), h2.String()
}

func TestIsAncestor_DetectsLinearHistory(t *testing.T) {
	repoPath, first, second := initRepoWithTwoCommits(t)
	m := New(repoPath, filepath.Join(repoPath, "..", "worktrees"))

	ok, err := m.IsAncestor(first, second)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if !ok {
		t.Fatal("expected the first commit to be an ancestor of the second")
	}

	ok, err = m.IsAncestor(second, first)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if ok {
		t.Fatal("expected the second commit NOT to be an ancestor of the first")
	}
}
