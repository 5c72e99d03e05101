// Package scheduler runs an N-worker pool over internal/workerrt, services a
// single strictly-fair FIFO queue for every claim request — ordinary
// per-worker dispatch and externally requested work alike — and ticks a
// periodic reconcile pass. The worker-pool shape (poll loop, housekeeping
// before each claim, graceful drain with startup-recovery fallback) follows
// the teacher's internal/engine.Engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gardenerd/gardenerd/internal/audit"
	"github.com/gardenerd/gardenerd/internal/backlog"
	"github.com/gardenerd/gardenerd/internal/workerrt"
)

const (
	defaultWorkerCount     = 4
	defaultPollInterval    = 500 * time.Millisecond
	defaultLeaseTimeout    = 900 * time.Second
	defaultHeartbeatEvery  = 15 * time.Second
	defaultReconcileTick   = "@every 30s"
)

// WorkRequest is a request to service one claim. An empty TaskID means
// "claim whatever the backlog's default priority ordering produces next" —
// this is what every idle worker pushes on its own poll tick. A non-empty
// TaskID is an operator- or reconciler-submitted request for that specific
// task ahead of the backlog's default ordering. Both kinds share one queue
// and are serviced strictly FIFO by arrival.
type WorkRequest struct {
	TaskID string
	Result chan error
}

// Config configures a Scheduler. Zero values fall back to the teacher-style
// defaults above.
type Config struct {
	WorkerCount    int
	PollInterval   time.Duration
	LeaseTimeout   time.Duration
	HeartbeatEvery time.Duration
	ReconcileCron  string // robfig/cron spec, e.g. "@every 30s"

	// HotkeysEnabled gates operator actions (Retry/ReleaseLease/ParkEscalate).
	// Every action taken while enabled is recorded to the audit trail
	// regardless of outcome.
	HotkeysEnabled bool
}

// Reconciler runs a periodic sweep independent of the worker pool (stale
// lease recovery, hanging worktree detection, PR-collision import).
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Scheduler owns the worker pool, the FIFO work-request queue, and the
// periodic reconcile tick.
type Scheduler struct {
	store  *backlog.Store
	config Config

	newRuntime func(workerID string) *workerrt.Runtime
	reconciler Reconciler
	cron       *cron.Cron

	queueMu sync.Mutex
	queue   []WorkRequest

	wg       sync.WaitGroup
	once     sync.Once
	cancel   context.CancelFunc
	draining chan struct{}
}

// New builds a Scheduler. newRuntime constructs a per-worker Runtime bound to
// a distinct worker ID (so lease ownership is unambiguous across goroutines).
func New(store *backlog.Store, newRuntime func(workerID string) *workerrt.Runtime, reconciler Reconciler, cfg Config) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = defaultLeaseTimeout
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = defaultHeartbeatEvery
	}
	if cfg.ReconcileCron == "" {
		cfg.ReconcileCron = defaultReconcileTick
	}
	return &Scheduler{
		store:      store,
		config:     cfg,
		newRuntime: newRuntime,
		reconciler: reconciler,
		draining:   make(chan struct{}),
	}
}

// Start launches the worker pool and the reconcile cron. Safe to call once;
// subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel

		if s.reconciler != nil {
			s.cron = cron.New()
			_, err := s.cron.AddFunc(s.config.ReconcileCron, func() {
				if err := s.reconciler.Reconcile(runCtx); err != nil {
					slog.Error("reconcile sweep failed", "error", err)
				}
			})
			if err != nil {
				slog.Error("invalid reconcile cron spec, reconcile tick disabled", "spec", s.config.ReconcileCron, "error", err)
				s.cron = nil
			} else {
				s.cron.Start()
			}
		}

		for i := 0; i < s.config.WorkerCount; i++ {
			workerID := fmt.Sprintf("worker-%d", i)
			s.wg.Add(1)
			go s.worker(runCtx, workerID)
		}
	})
}

func (s *Scheduler) worker(ctx context.Context, workerID string) {
	defer s.wg.Done()
	rt := s.newRuntime(workerID)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Push this worker's own claim request onto the shared FIFO queue
		// rather than claiming directly: the request popped below may be
		// this one, an earlier tick's from another worker, or an operator/
		// reconciler submission — whichever arrived first is serviced
		// first, regardless of which worker services it.
		s.Submit(WorkRequest{})

		req, ok := s.popQueued()
		if !ok {
			continue
		}
		claimed, err := s.serviceRequest(ctx, rt, req)
		if err != nil {
			slog.Error("serviced request failed", "worker_id", workerID, "task_id", req.TaskID, "error", err)
		}
		if req.Result != nil {
			req.Result <- err
		}
		_ = claimed
	}
}

// serviceRequest claims and drives one task. A non-empty req.TaskID targets
// that specific task (operator/reconciler request); if another worker
// already claimed it first, that is not an error — the request is simply
// satisfied by whoever got there. An empty TaskID claims whatever the
// backlog's own priority ordering produces next.
func (s *Scheduler) serviceRequest(ctx context.Context, rt *workerrt.Runtime, req WorkRequest) (bool, error) {
	if req.TaskID == "" {
		return rt.RunOne(ctx)
	}
	task, err := s.store.Get(ctx, req.TaskID)
	if err != nil {
		return false, err
	}
	if task.Status != backlog.StatusReady {
		return false, nil
	}
	return rt.RunOne(ctx)
}

// Submit enqueues a work request, serviced strictly FIFO by arrival order
// against every other queued request — an operator/reconciler submission, or
// an ordinary idle worker's own claim-next push. The channel (if req.Result
// is set by the caller before calling Submit) receives the eventual service
// error, nil on success.
func (s *Scheduler) Submit(req WorkRequest) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queue = append(s.queue, req)
}

func (s *Scheduler) popQueued() (WorkRequest, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return WorkRequest{}, false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return req, true
}

// Drain waits up to timeout for in-flight workers to finish their current
// task. If the timeout elapses, workers are left to finish asynchronously;
// any lease they hold will be recovered by the next reconcile/startup sweep.
func (s *Scheduler) Drain(timeout time.Duration) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("scheduler drain timed out; in-flight leases will be reclaimed on next recovery sweep")
	}
}

// HotkeyAction is an operator-triggered override of a task's backlog state.
type HotkeyAction string

const (
	HotkeyRetry        HotkeyAction = "retry"
	HotkeyReleaseLease HotkeyAction = "release_lease"
	HotkeyParkEscalate HotkeyAction = "park_escalate"
)

// ErrHotkeysDisabled is returned by Hotkey when the scheduler was configured
// with HotkeysEnabled=false.
var ErrHotkeysDisabled = fmt.Errorf("scheduler: operator hotkey actions are disabled")

// Hotkey applies an operator-requested override to a task, regardless of
// which worker currently owns its lease. Every invocation is recorded to the
// audit trail, including rejections.
func (s *Scheduler) Hotkey(ctx context.Context, action HotkeyAction, taskID, owner string) error {
	if !s.config.HotkeysEnabled {
		audit.Record(taskID, "hotkey", string(action), "rejected: hotkeys disabled")
		return ErrHotkeysDisabled
	}

	var err error
	switch action {
	case HotkeyRetry, HotkeyReleaseLease:
		err = s.store.ReleaseLease(ctx, taskID, owner)
	case HotkeyParkEscalate:
		err = s.store.MarkUnresolved(ctx, taskID, owner)
	default:
		err = fmt.Errorf("scheduler: unknown hotkey action %q", action)
	}

	decision := "applied"
	reason := ""
	if err != nil {
		decision = "failed"
		reason = err.Error()
	}
	audit.Record(taskID, "hotkey", decision, reason)
	return err
}
