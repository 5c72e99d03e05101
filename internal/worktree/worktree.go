// Package worktree manages per-task git worktrees: creating an isolated
// working tree and branch for a task's Doing state, and detecting worktrees
// left behind by crashed or parked workers so the reconciler can clean them
// up or escalate them.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/gardenerd/gardenerd/internal/policy"
)

// Manager creates and inspects git worktrees rooted under a single
// directory, one subdirectory per task branch.
type Manager struct {
	RepoPath      string // path to the primary repository clone
	WorktreesRoot string // directory under which per-task worktrees live

	// Paths confines worktreePath's output to WorktreesRoot even if
	// sanitizeBranch ever lets a branch name through that resolves outside
	// it (a literal ".." component carries no '/' and survives sanitizing).
	Paths policy.Policy
}

// New returns a Manager for the given primary repo and worktrees root.
func New(repoPath, worktreesRoot string) *Manager {
	return &Manager{
		RepoPath:      repoPath,
		WorktreesRoot: worktreesRoot,
		Paths:         policy.Policy{AllowPaths: []string{worktreesRoot}},
	}
}

func (m *Manager) worktreePath(branch string) (string, error) {
	path := filepath.Join(m.WorktreesRoot, sanitizeBranch(branch))
	if !m.Paths.AllowPath(path) {
		return "", fmt.Errorf("worktree: branch %q resolves outside worktrees root", branch)
	}
	return path, nil
}

func sanitizeBranch(branch string) string {
	out := make([]rune, 0, len(branch))
	for _, r := range branch {
		if r == '/' || r == ' ' {
			out = append(out, '-')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Create makes a new branch off base and checks it out into a fresh
// worktree directory, returning the worktree's filesystem path.
//
// go-git has no first-class "git worktree add" porcelain, so this creates
// the branch ref in the primary repository and a minimal worktree directory
// containing its own checkout, mirroring what `git worktree add` produces on
// disk closely enough for a task's Doing/Gitting states to operate inside it.
func (m *Manager) Create(taskID, branch, base string) (string, error) {
	repo, err := git.PlainOpen(m.RepoPath)
	if err != nil {
		return "", fmt.Errorf("worktree: open repo: %w", err)
	}

	baseRef, err := repo.Reference(plumbing.NewBranchReferenceName(base), true)
	if err != nil {
		return "", fmt.Errorf("worktree: resolve base branch %q: %w", base, err)
	}

	branchRefName := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, baseRef.Hash())); err != nil {
		return "", fmt.Errorf("worktree: create branch %q: %w", branch, err)
	}

	path, err := m.worktreePath(branch)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("worktree: mkdir %q: %w", path, err)
	}

	wtRepo, err := git.PlainInit(path, false)
	if err != nil {
		return "", fmt.Errorf("worktree: init worktree repo at %q: %w", path, err)
	}
	if _, err := wtRepo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{m.RepoPath}}); err != nil {
		return "", fmt.Errorf("worktree: add origin remote: %w", err)
	}
	wt, err := wtRepo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: get worktree handle: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:   baseRef.Hash(),
		Branch: branchRefName,
		Create: true,
	}); err != nil {
		return "", fmt.Errorf("worktree: checkout %q: %w", branch, err)
	}

	return path, nil
}

// Remove deletes a task's worktree directory and its branch ref from the
// primary repository. Safe to call on an already-removed worktree.
func (m *Manager) Remove(branch string) error {
	path, err := m.worktreePath(branch)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("worktree: remove %q: %w", path, err)
	}

	repo, err := git.PlainOpen(m.RepoPath)
	if err != nil {
		return fmt.Errorf("worktree: open repo: %w", err)
	}
	branchRefName := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.RemoveReference(branchRefName); err != nil && err != plumbing.ErrReferenceNotFound {
		return fmt.Errorf("worktree: remove branch ref %q: %w", branch, err)
	}
	return nil
}

// Entry describes one worktree directory found on disk.
type Entry struct {
	Branch string
	Path   string
}

// List enumerates worktree directories currently present under
// WorktreesRoot, for the reconciler's hanging-worktree sweep.
func (m *Manager) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(m.WorktreesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("worktree: list %q: %w", m.WorktreesRoot, err)
	}
	var out []Entry
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		out = append(out, Entry{Branch: de.Name(), Path: filepath.Join(m.WorktreesRoot, de.Name())})
	}
	return out, nil
}

// IsAncestor reports whether the commit at ancestorRef is an ancestor of (or
// equal to) the commit at descendantRef, in the primary repository — used by
// merge verification to confirm a branch's work actually landed on the
// target ref before a task is marked Complete.
func (m *Manager) IsAncestor(ancestorRef, descendantRef string) (bool, error) {
	repo, err := git.PlainOpen(m.RepoPath)
	if err != nil {
		return false, fmt.Errorf("worktree: open repo: %w", err)
	}

	ancestorHash, err := resolveHash(repo, ancestorRef)
	if err != nil {
		return false, fmt.Errorf("worktree: resolve %q: %w", ancestorRef, err)
	}
	descendantHash, err := resolveHash(repo, descendantRef)
	if err != nil {
		return false, fmt.Errorf("worktree: resolve %q: %w", descendantRef, err)
	}

	ancestorCommit, err := repo.CommitObject(ancestorHash)
	if err != nil {
		return false, fmt.Errorf("worktree: load commit %s: %w", ancestorHash, err)
	}
	descendantCommit, err := repo.CommitObject(descendantHash)
	if err != nil {
		return false, fmt.Errorf("worktree: load commit %s: %w", descendantHash, err)
	}
	return ancestorCommit.IsAncestor(descendantCommit)
}

func resolveHash(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true); err == nil {
		return branchRef.Hash(), nil
	}
	h, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return *h, nil
}
