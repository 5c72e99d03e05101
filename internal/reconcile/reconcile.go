// Package reconcile runs the startup and periodic sweeps that keep the
// backlog consistent with ground truth outside the database: stale leases
// left by crashed workers, worktrees without a corresponding in-flight task,
// and open PRs the backlog doesn't yet know about.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gardenerd/gardenerd/internal/audit"
	"github.com/gardenerd/gardenerd/internal/backlog"
	"github.com/gardenerd/gardenerd/internal/priority"
	"github.com/gardenerd/gardenerd/internal/prstatus"
	"github.com/gardenerd/gardenerd/internal/worktree"
)

// globalScopeKey is the scope_key used for unmapped-artifact escalation
// tasks, per SPEC_FULL's dedup-safe synthetic-task contract.
const globalScopeKey = "global"

// Sweep runs the three reconciliation passes against a backlog store: stale
// lease recovery, hanging-worktree detection, and open-PR import. It
// satisfies scheduler.Reconciler.
type Sweep struct {
	Store     *backlog.Store
	Worktrees *worktree.Manager
	PRs       prstatus.Checker
	Clock     func() time.Time
}

func (s *Sweep) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Reconcile runs all three passes. Each pass's failure is logged and does
// not block the others — a GitHub outage, for instance, must not prevent
// stale-lease recovery from running.
func (s *Sweep) Reconcile(ctx context.Context) error {
	var errs []error

	if n, err := s.Store.RecoverStale(ctx, s.now()); err != nil {
		errs = append(errs, fmt.Errorf("recover stale leases: %w", err))
	} else if n > 0 {
		slog.Info("reconcile: recovered stale leases", "count", n)
	}

	if s.Worktrees != nil {
		if err := s.reconcileWorktrees(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reconcile worktrees: %w", err))
		}
	}

	if s.PRs != nil {
		if err := s.importOpenPRs(ctx); err != nil {
			errs = append(errs, fmt.Errorf("import open PRs: %w", err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("reconcile: %s", msg)
}

// reconcileWorktrees removes worktrees whose branch has no corresponding
// non-terminal backlog row, and escalates any branch that cannot be
// attributed to a known task identity at all to a synthetic P0 maintenance
// task — idempotently, via the same Upsert dedup path every other task goes
// through, so repeated sweeps never double-escalate.
func (s *Sweep) reconcileWorktrees(ctx context.Context) error {
	entries, err := s.Worktrees.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tasks, err := s.Store.List(ctx, backlog.Filter{})
	if err != nil {
		return err
	}
	branchHasLiveTask := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.RelatedBranch == nil {
			continue
		}
		if isTerminalStatus(t.Status) {
			continue
		}
		branchHasLiveTask[*t.RelatedBranch] = true
	}

	for _, entry := range entries {
		if branchHasLiveTask[entry.Branch] {
			continue
		}

		if err := s.Worktrees.Remove(entry.Branch); err != nil {
			slog.Warn("reconcile: failed to remove hanging worktree", "branch", entry.Branch, "error", err)
			continue
		}
		audit.Record("", "reconcile", "worktree_removed", entry.Branch)

		branch := entry.Branch
		if _, err := s.Store.Upsert(ctx, backlog.NewTask{
			Kind:     backlog.KindMaintenance,
			Title:    fmt.Sprintf("unmapped worktree artifact: %s", branch),
			ScopeKey: globalScopeKey,
			Priority: priority.P0,
			Source:   "reconcile.worktree_sweep",
			RelatedBranch: &branch,
		}); err != nil {
			slog.Warn("reconcile: failed to escalate unmapped worktree", "branch", branch, "error", err)
		}
	}
	return nil
}

// importOpenPRs creates or upgrades a pr_collision task for every open PR
// that has no matching in-flight task, via the identity-based Upsert dedup
// path (keyed on related_pr), so re-running this sweep never duplicates.
func (s *Sweep) importOpenPRs(ctx context.Context) error {
	prs, err := s.PRs.ListOpenPRs(ctx)
	if err != nil {
		return err
	}

	tasks, err := s.Store.List(ctx, backlog.Filter{})
	if err != nil {
		return err
	}
	prHasLiveTask := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		if t.RelatedPR == nil || isTerminalStatus(t.Status) {
			continue
		}
		prHasLiveTask[*t.RelatedPR] = true
	}

	for _, pr := range prs {
		if prHasLiveTask[pr.Number] {
			continue
		}
		prNumber := pr.Number
		branch := pr.HeadBranch
		if _, err := s.Store.Upsert(ctx, backlog.NewTask{
			Kind:          backlog.KindPRCollision,
			Title:         fmt.Sprintf("unmanaged open PR #%d: %s", pr.Number, pr.Title),
			ScopeKey:      globalScopeKey,
			Priority:      priority.P1,
			Source:        "reconcile.pr_import",
			RelatedPR:     &prNumber,
			RelatedBranch: &branch,
		}); err != nil {
			slog.Warn("reconcile: failed to import open PR", "pr", pr.Number, "error", err)
		}
	}
	return nil
}

func isTerminalStatus(status backlog.Status) bool {
	switch status {
	case backlog.StatusComplete, backlog.StatusFailed, backlog.StatusUnresolved:
		return true
	default:
		return false
	}
}
