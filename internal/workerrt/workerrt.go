// Package workerrt drives a single claimed task through the worker FSM: it
// builds each state's prompt packet, invokes the agent adapter, parses and
// validates the typed per-state payload, and applies the resulting
// transition — heartbeating the backlog lease throughout, the way the
// teacher's engine.handleTask heartbeats a task's lease while its processor runs.
package workerrt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/gardenerd/gardenerd/internal/adapter"
	"github.com/gardenerd/gardenerd/internal/audit"
	"github.com/gardenerd/gardenerd/internal/backlog"
	"github.com/gardenerd/gardenerd/internal/fsm"
	gdotel "github.com/gardenerd/gardenerd/internal/otel"
	"github.com/gardenerd/gardenerd/internal/platform"
	"github.com/gardenerd/gardenerd/internal/pricing"
	"github.com/gardenerd/gardenerd/internal/prstatus"
	"github.com/gardenerd/gardenerd/internal/replay"
	"github.com/gardenerd/gardenerd/internal/safety"
	"github.com/gardenerd/gardenerd/internal/shared"
	"github.com/gardenerd/gardenerd/internal/tokenutil"
	"github.com/gardenerd/gardenerd/internal/worktree"
)

// MaxDoingTurns bounds how many non-terminal agent events a single Doing
// step's adapter call may produce in one attempt. The architecture invokes
// the adapter once per FSM state rather than looping multiple turns within
// Doing, so this caps the event count a single Doing StepResult may carry
// before the attempt is treated as runaway and failed outright.
const MaxDoingTurns = 100

// leakDetector flags secrets surfacing in agent subprocess output so the
// audit trail records a warning even though the redacted text still gets
// written (see internal/shared.Redact, applied at the audit sink).
var leakDetector = safety.NewLeakDetector()

// UnderstandPayload is the typed output of the Understand state.
type UnderstandPayload struct {
	Category       fsm.Category `json:"category"`
	ScopeSummary   string       `json:"scope_summary"`
	RelevantPaths  []string     `json:"relevant_paths"`
}

// PlanningPayload is the typed output of the Planning state.
type PlanningPayload struct {
	Steps []string `json:"steps"`
}

// DoingPayload is the typed output of the Doing state.
type DoingPayload struct {
	ChangedPaths []string `json:"changed_paths"`
	Summary      string   `json:"summary"`
}

// GittingPayload is the typed output of the Gitting state.
type GittingPayload struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// ReviewingPayload is the typed output of the Reviewing state.
type ReviewingPayload struct {
	Verdict         string   `json:"verdict"` // "pass" | "changes_requested"
	RequestedChanges []string `json:"requested_changes,omitempty"`
}

// MergingPayload is the typed output of the Merging state.
type MergingPayload struct {
	Verdict string `json:"verdict"` // "merged" | "conflict"
	PR      int    `json:"pr,omitempty"`
}

// ConflictResolutionPayload is the typed output of the conflict-resolution
// sub-turn run from Merging when the agent reports a conflict instead of a
// clean merge. It is a distinct turn from MergingPayload's own decision:
// the agent is asked specifically to resolve, abandon, or give up on the
// conflicting rebase, and the result drives Merging's Gitting/Complete/Failed
// fan-out rather than a bare loop back through Gitting.
type ConflictResolutionPayload struct {
	Resolution string `json:"resolution"` // "resolved" | "skipped" | "unresolvable"
	Reason     string `json:"reason,omitempty"`
	MergeSHA   string `json:"merge_sha,omitempty"`
}

// session carries the identifiers and working-tree location generated once
// per RunOne call. It is deliberately never stored on Runtime: a session
// that lives only for the duration of one claim cannot leak into the next
// one, which is what satisfies the session-binding-clear half of the
// done-means-gone teardown without any extra bookkeeping.
type session struct {
	ID        string // regenerated per attempt
	SandboxID string // tied to this attempt's subprocess/worktree
	WorkDir   string
	Branch    string
}

// PromptContext is the set of ranked context fragments available to a turn.
// The ranking formula (direct-path +100, same scope/component +40, symbol hit
// +25, arch/convention doc +15, global policy +10) and token budgeting live in
// BuildPrompt below.
type ContextFragment struct {
	Path          string
	Content       string
	Mandatory     bool
	DirectPath    bool
	SameScope     bool
	SymbolHit     bool
	ArchDoc       bool
	GlobalPolicy  bool
}

func fragmentScore(f ContextFragment) int {
	score := 0
	if f.DirectPath {
		score += 100
	}
	if f.SameScope {
		score += 40
	}
	if f.SymbolHit {
		score += 25
	}
	if f.ArchDoc {
		score += 15
	}
	if f.GlobalPolicy {
		score += 10
	}
	return score
}

// PromptPacket is the assembled prompt plus the manifest of what went into it.
type PromptPacket struct {
	Text            string
	ContextManifest string // sha256 over the ordered inclusion list
	IncludedPaths   []string
	DroppedPaths    []string
}

// BuildPrompt ranks fragments (score DESC, path ASC, start_line ASC is the
// spec's ordering; since fragments here are whole-file units we break ties on
// path alone), fits as many as possible under tokenBudget, and always keeps
// mandatory fragments regardless of budget.
func BuildPrompt(instructions string, fragments []ContextFragment, tokenBudget int) PromptPacket {
	ranked := make([]ContextFragment, len(fragments))
	copy(ranked, fragments)
	sortFragments(ranked)

	used := tokenutil.EstimateTokens(instructions)
	var included, dropped []string
	text := instructions + "\n"
	for _, f := range ranked {
		cost := tokenutil.EstimateTokens(f.Content)
		if !f.Mandatory && tokenBudget > 0 && used+cost > tokenBudget {
			dropped = append(dropped, f.Path)
			continue
		}
		used += cost
		included = append(included, f.Path)
		text += "\n--- " + f.Path + " ---\n" + f.Content
	}

	return PromptPacket{
		Text:            text,
		ContextManifest: sha256Hex(joinManifest(included)),
		IncludedPaths:   included,
		DroppedPaths:    dropped,
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sortFragments(fragments []ContextFragment) {
	for i := 1; i < len(fragments); i++ {
		for j := i; j > 0; j-- {
			a, b := fragments[j-1], fragments[j]
			if less(b, a) {
				fragments[j-1], fragments[j] = fragments[j], fragments[j-1]
			} else {
				break
			}
		}
	}
}

func less(a, b ContextFragment) bool {
	sa, sb := fragmentScore(a), fragmentScore(b)
	if sa != sb {
		return sa > sb // higher score sorts first
	}
	return a.Path < b.Path
}

func joinManifest(paths []string) string {
	out := ""
	for _, p := range paths {
		out += p + "\n"
	}
	return out
}

// Runtime drives claimed tasks through the FSM using an agent backend.
type Runtime struct {
	Store          *backlog.Store
	Backend        adapter.Backend
	Clock          platform.Clock
	WorkerID       string
	LeaseDuration  time.Duration
	HeartbeatEvery time.Duration
	Metrics        *gdotel.Metrics
	Tracer         trace.Tracer
	TokenBudget    int
	Model          string // model identifier passed to the adapter, also used for pricing.EstimateCost

	// Worktrees creates and removes the per-task git worktree a Doing step
	// runs inside, and answers ancestor checks for merge verification. Nil
	// disables per-task isolation: Doing runs against WorkDir "." the way a
	// worker with no repository to branch ever would.
	Worktrees *worktree.Manager
	// BaseBranch is the branch Worktrees.Create forks each task's branch
	// from. Defaults to "main" when empty and Worktrees is set.
	BaseBranch string
	// PRStatus verifies an agent-reported "merged" MergingPayload against
	// the PR's actual state before a task is allowed to reach Complete. Nil
	// skips verification and trusts the agent's self-report outright.
	PRStatus prstatus.Checker
	// Recorder, if set, appends every subprocess call, agent-turn decision,
	// and backlog mutation this run makes to a replay log.
	Recorder *replay.Recorder
}

func (r *Runtime) recordMutation(taskID, mutation string) {
	if r.Recorder == nil {
		return
	}
	if err := r.Recorder.Record(replay.BoundaryBacklogMutation, taskID, map[string]string{"mutation": mutation}); err != nil {
		slog.Warn("replay record failed", "task_id", taskID, "mutation", mutation, "error", err)
	}
}

func (r *Runtime) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return nooptrace.NewTracerProvider().Tracer(gdotel.TracerName)
}

// RunOne claims and fully drives a single task, returning once it reaches a
// terminal FSM state (or the context is cancelled). Returns (false, nil) when
// the backlog had nothing claimable.
func (r *Runtime) RunOne(ctx context.Context) (bool, error) {
	task, err := r.Store.ClaimNext(ctx, r.WorkerID, r.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("workerrt: claim: %w", err)
	}
	if task == nil {
		return false, nil
	}
	if r.Metrics != nil {
		r.Metrics.TasksClaimed.Add(ctx, 1)
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	stopHeartbeat := r.startHeartbeat(ctx, task.TaskID)
	defer stopHeartbeat()

	machine := fsm.NewMachine(task.TaskID)
	start := r.now()

	// A fresh session is minted per attempt: session_id and sandbox_id are
	// both regenerated on every claim, never reused across attempts or
	// persisted past this call.
	sess := &session{ID: uuid.NewString(), SandboxID: uuid.NewString(), WorkDir: "."}

	if err := r.Store.MarkInProgress(ctx, task.TaskID, r.WorkerID); err != nil {
		return true, fmt.Errorf("workerrt: mark in progress: %w", err)
	}
	r.recordMutation(task.TaskID, "in_progress")
	if err := machine.Transition(fsm.Understand); err != nil {
		return true, err
	}

	err = r.drive(ctx, task, machine, sess)

	elapsed := r.now().Sub(start)
	if r.Metrics != nil {
		r.Metrics.TaskDuration.Record(ctx, elapsed.Seconds())
	}

	if err != nil {
		audit.Record(task.TaskID, "transition", "failed", err.Error())
		if markErr := r.Store.MarkFailed(ctx, task.TaskID, r.WorkerID, err.Error()); markErr != nil {
			return true, fmt.Errorf("workerrt: mark failed after %v: %w", err, markErr)
		}
		r.recordMutation(task.TaskID, "failed")
		if r.Metrics != nil {
			r.Metrics.TasksFailed.Add(ctx, 1)
		}
		return true, nil
	}

	switch machine.State {
	case fsm.Complete:
		// Done-means-gone: a task never sits in Complete with its worktree,
		// branch, or agent session still live. Teardown runs before the
		// backlog row flips so a crash between the two still leaves a
		// task the reconciler can retry teardown for, rather than one
		// silently marked done with resources still outstanding.
		if err := r.teardown(task, sess); err != nil {
			slog.Warn("teardown failed", "task_id", task.TaskID, "error", err)
			audit.Record(task.TaskID, "teardown", "warn", err.Error())
		}
		audit.Record(task.TaskID, "transition", "complete", "")
		if err := r.Store.MarkComplete(ctx, task.TaskID, r.WorkerID); err != nil {
			return true, fmt.Errorf("workerrt: mark complete: %w", err)
		}
		r.recordMutation(task.TaskID, "complete")
		if r.Metrics != nil {
			r.Metrics.TasksCompleted.Add(ctx, 1)
		}
	case fsm.Parked:
		audit.Record(task.TaskID, "transition", "parked", "review cycle cap reached")
		if err := r.Store.MarkUnresolved(ctx, task.TaskID, r.WorkerID); err != nil {
			return true, fmt.Errorf("workerrt: mark unresolved: %w", err)
		}
		r.recordMutation(task.TaskID, "unresolved")
	case fsm.Failed:
		audit.Record(task.TaskID, "transition", "failed", "fsm reached Failed")
		if err := r.Store.MarkFailed(ctx, task.TaskID, r.WorkerID, "fsm reached Failed state"); err != nil {
			return true, fmt.Errorf("workerrt: mark failed: %w", err)
		}
		r.recordMutation(task.TaskID, "failed")
		if r.Metrics != nil {
			r.Metrics.TasksFailed.Add(ctx, 1)
		}
	}
	return true, nil
}

// teardown releases the resources a task accumulated while live: its git
// worktree and branch. Safe to call repeatedly (worktree.Manager.Remove
// tolerates an already-removed branch/directory), and a no-op when no
// worktree was ever created for this attempt — agent-session termination and
// session-binding clear need no further code here, since the agent
// subprocess already exited with the terminal turn that reached Complete,
// and sess itself is discarded the moment RunOne returns.
func (r *Runtime) teardown(task *backlog.Task, sess *session) error {
	if r.Worktrees == nil || sess.Branch == "" {
		return nil
	}
	if err := r.Worktrees.Remove(sess.Branch); err != nil {
		return fmt.Errorf("workerrt: remove worktree for branch %q: %w", sess.Branch, err)
	}
	return nil
}

func (r *Runtime) now() time.Time {
	if r.Clock != nil {
		return r.Clock.Now()
	}
	return time.Now()
}

func (r *Runtime) startHeartbeat(ctx context.Context, taskID string) func() {
	interval := r.HeartbeatEvery
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				newExpiry := r.now().Add(r.LeaseDuration)
				if err := r.Store.RefreshLease(ctx, taskID, r.WorkerID, newExpiry); err != nil {
					slog.Warn("lease heartbeat rejected", "task_id", taskID, "worker_id", r.WorkerID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// drive runs the FSM from Understand through to a terminal state (or
// surfaces the first adapter/envelope error it hits).
func (r *Runtime) drive(ctx context.Context, task *backlog.Task, machine *fsm.Machine, sess *session) error {
	for !fsm.IsTerminal(machine.State) {
		switch machine.State {
		case fsm.Understand:
			result, err := r.step(ctx, task, machine, sess, "understand prompt for: "+task.Title)
			if err != nil {
				return err
			}
			var p UnderstandPayload
			if err := json.Unmarshal(result.Payload, &p); err != nil {
				return fmt.Errorf("workerrt: decode understand payload: %w", err)
			}
			if err := machine.Transition(fsm.NextAfterUnderstand(p.Category)); err != nil {
				return err
			}
		case fsm.Planning:
			if _, err := r.step(ctx, task, machine, sess, "plan: "+task.Title); err != nil {
				return err
			}
			if err := machine.Transition(fsm.Doing); err != nil {
				return err
			}
		case fsm.Doing:
			r.ensureWorktree(task, sess)
			result, err := r.step(ctx, task, machine, sess, "implement: "+task.Title)
			if err != nil {
				return err
			}
			nonTerminal := 0
			for _, ev := range result.Events {
				if ev.Type != adapter.EventTurnComplete {
					nonTerminal++
				}
			}
			if nonTerminal > MaxDoingTurns {
				return fmt.Errorf("workerrt: doing step exceeded %d turns (%d)", MaxDoingTurns, nonTerminal)
			}
			if err := machine.Transition(fsm.Gitting); err != nil {
				return err
			}
		case fsm.Gitting:
			result, err := r.step(ctx, task, machine, sess, "commit changes for: "+task.Title)
			if err != nil {
				return err
			}
			var p GittingPayload
			if err := json.Unmarshal(result.Payload, &p); err != nil {
				return fmt.Errorf("workerrt: decode gitting payload: %w", err)
			}
			if p.Branch != "" {
				sess.Branch = p.Branch
			}
			if err := machine.Transition(fsm.Reviewing); err != nil {
				return err
			}
		case fsm.Reviewing:
			result, err := r.step(ctx, task, machine, sess, "review changes for: "+task.Title)
			if err != nil {
				return err
			}
			var p ReviewingPayload
			if err := json.Unmarshal(result.Payload, &p); err != nil {
				return fmt.Errorf("workerrt: decode reviewing payload: %w", err)
			}
			if r.Metrics != nil {
				r.Metrics.ReviewCyclesTotal.Add(ctx, 1)
			}
			next := fsm.Merging
			if p.Verdict != "pass" {
				next = fsm.Doing
			}
			if err := machine.Transition(next); err != nil {
				return err
			}
		case fsm.Merging:
			result, err := r.step(ctx, task, machine, sess, "merge: "+task.Title)
			if err != nil {
				return err
			}
			var p MergingPayload
			if err := json.Unmarshal(result.Payload, &p); err != nil {
				return fmt.Errorf("workerrt: decode merging payload: %w", err)
			}

			if p.Verdict != "merged" {
				if r.Metrics != nil {
					r.Metrics.MergeConflicts.Add(ctx, 1)
				}
				next, err := r.resolveConflict(ctx, task, machine, sess)
				if err != nil {
					return err
				}
				if err := machine.Transition(next); err != nil {
					return err
				}
				continue
			}

			verified, err := r.verifyMerge(ctx, task, sess, p)
			if err != nil {
				return err
			}
			next := fsm.Complete
			if !verified {
				next = fsm.Failed
			}
			if err := machine.Transition(next); err != nil {
				return err
			}
		default:
			return fmt.Errorf("workerrt: no driver for state %s", machine.State)
		}
	}
	return nil
}

// ensureWorktree creates this attempt's isolated git worktree the first time
// Doing runs, so every later step in the same attempt (Gitting, Reviewing,
// Merging) operates inside it rather than the shared checkout. A no-op once
// sess.WorkDir has already been set away from "." (re-entering Doing on a
// review cycle), and whenever Worktrees is nil.
func (r *Runtime) ensureWorktree(task *backlog.Task, sess *session) {
	if r.Worktrees == nil || sess.Branch != "" {
		return
	}
	base := r.BaseBranch
	if base == "" {
		base = "main"
	}
	branch := "gardenerd/" + task.TaskID
	path, err := r.Worktrees.Create(task.TaskID, branch, base)
	if err != nil {
		slog.Warn("worktree create failed, falling back to shared checkout", "task_id", task.TaskID, "branch", branch, "error", err)
		return
	}
	sess.Branch = branch
	sess.WorkDir = path
}

// resolveConflict runs the conflict-resolution sub-turn: a second, distinct
// adapter call asking the agent to resolve, abandon, or give up on the
// conflicting rebase Merging just reported, rather than looping straight
// back through Gitting with no record of what happened to the conflict.
func (r *Runtime) resolveConflict(ctx context.Context, task *backlog.Task, machine *fsm.Machine, sess *session) (fsm.State, error) {
	result, err := r.step(ctx, task, machine, sess, "resolve merge conflict for: "+task.Title)
	if err != nil {
		return fsm.Failed, err
	}
	var p ConflictResolutionPayload
	if err := json.Unmarshal(result.Payload, &p); err != nil {
		return fsm.Failed, fmt.Errorf("workerrt: decode conflict resolution payload: %w", err)
	}
	audit.Record(task.TaskID, "merge.conflict_resolution", p.Resolution, p.Reason)
	switch p.Resolution {
	case "resolved":
		return fsm.Gitting, nil
	case "skipped":
		return fsm.Complete, nil
	default: // "unresolvable", or anything else: escalate rather than guess
		return fsm.Failed, nil
	}
}

// verifyMerge confirms an agent-reported "merged" MergingPayload actually
// landed before letting the task reach Complete: the configured PR tracker
// must report it merged, and the merge commit must be an ancestor of the
// base branch. Either check is skipped (and the agent's self-report trusted)
// when its collaborator (PRStatus, Worktrees) isn't configured.
func (r *Runtime) verifyMerge(ctx context.Context, task *backlog.Task, sess *session, p MergingPayload) (bool, error) {
	if r.PRStatus != nil && p.PR != 0 {
		status, err := r.PRStatus.Status(ctx, p.PR)
		if err != nil {
			return false, fmt.Errorf("workerrt: pr status check for #%d: %w", p.PR, err)
		}
		if !status.Merged {
			audit.Record(task.TaskID, "merge.verify", "failed", fmt.Sprintf("pr #%d not reported merged", p.PR))
			return false, nil
		}
	}
	if r.Worktrees != nil && sess.Branch != "" {
		base := r.BaseBranch
		if base == "" {
			base = "main"
		}
		ok, err := r.Worktrees.IsAncestor(sess.Branch, base)
		if err != nil {
			return false, fmt.Errorf("workerrt: ancestor check for branch %q: %w", sess.Branch, err)
		}
		if !ok {
			audit.Record(task.TaskID, "merge.verify", "failed", fmt.Sprintf("branch %q not an ancestor of %q", sess.Branch, base))
			return false, nil
		}
	}
	return true, nil
}

func (r *Runtime) step(ctx context.Context, task *backlog.Task, machine *fsm.Machine, sess *session, prompt string) (adapter.StepResult, error) {
	spanCtx, span := gdotel.StartSpan(ctx, r.tracer(), "workerrt.step",
		gdotel.AttrTaskID.String(task.TaskID), gdotel.AttrFSMState.String(string(machine.State)),
		gdotel.AttrSessionID.String(sess.ID), gdotel.AttrSandboxID.String(sess.SandboxID))
	defer span.End()

	model := r.Model
	if model == "" {
		model = "default"
	}
	req := adapter.Request{Prompt: prompt, WorkDir: sess.WorkDir, Model: model}
	if r.Recorder != nil {
		if err := r.Recorder.Record(replay.BoundaryProcessCall, string(machine.State), req); err != nil {
			slog.Warn("replay record failed", "task_id", task.TaskID, "state", machine.State, "error", err)
		}
	}
	result, err := r.Backend.Execute(spanCtx, req)
	if err != nil {
		return adapter.StepResult{}, fmt.Errorf("workerrt: adapter execute in state %s: %w", machine.State, err)
	}
	if r.Recorder != nil {
		if err := r.Recorder.Record(replay.BoundaryAgentTurn, string(machine.State), result); err != nil {
			slog.Warn("replay record failed", "task_id", task.TaskID, "state", machine.State, "error", err)
		}
	}
	if r.Metrics != nil {
		promptTokens := tokenutil.EstimateTokens(prompt)
		completionTokens := tokenutil.EstimateTokens(string(result.Payload))
		attrs := metric.WithAttributes(gdotel.AttrFSMState.String(string(machine.State)))
		r.Metrics.TokensUsed.Add(ctx, int64(promptTokens+completionTokens), attrs)
		r.Metrics.EstimatedCostUSD.Add(ctx, pricing.EstimateCost(model, promptTokens, completionTokens), attrs)
	}
	for _, line := range result.DiagnosticLines {
		if warnings := leakDetector.Scan(line); len(warnings) > 0 {
			audit.Record(task.TaskID, "safety.leak_detected", "warn", fmt.Sprintf("%s in state %s diagnostics", warnings[0].Pattern, machine.State))
		}
	}
	if !result.Terminal {
		return adapter.StepResult{}, fmt.Errorf("workerrt: state %s produced no terminal result", machine.State)
	}
	return result, nil
}
