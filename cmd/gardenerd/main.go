// Command gardenerd wires the orchestrator core together and runs it until
// a signal or fatal error brings it down. CLI parsing is deliberately out
// of scope here — this binary takes no flags and reads its configuration
// entirely from <home>/config.yaml and environment overrides.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gardenerd/gardenerd/internal/adapter"
	"github.com/gardenerd/gardenerd/internal/audit"
	"github.com/gardenerd/gardenerd/internal/backlog"
	"github.com/gardenerd/gardenerd/internal/bus"
	"github.com/gardenerd/gardenerd/internal/config"
	gdotel "github.com/gardenerd/gardenerd/internal/otel"
	"github.com/gardenerd/gardenerd/internal/platform"
	"github.com/gardenerd/gardenerd/internal/prstatus"
	"github.com/gardenerd/gardenerd/internal/reconcile"
	"github.com/gardenerd/gardenerd/internal/replay"
	"github.com/gardenerd/gardenerd/internal/scheduler"
	"github.com/gardenerd/gardenerd/internal/telemetry"
	"github.com/gardenerd/gardenerd/internal/tui"
	"github.com/gardenerd/gardenerd/internal/workerrt"
	"github.com/gardenerd/gardenerd/internal/worktree"
	"github.com/google/go-github/v68/github"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.Telemetry.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelEnabled := cfg.Telemetry.OTelEnabled
	otelProvider, err := gdotel.Init(ctx, gdotel.Config{
		Enabled:        cfg.Telemetry.OTelEnabled,
		Exporter:       cfg.Telemetry.OTelExporter,
		Endpoint:       cfg.Telemetry.OTelEndpoint,
		ServiceName:    "gardenerd",
		SampleRate:     cfg.Telemetry.OTelSampleRate,
		MetricsEnabled: &otelEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := gdotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := backlog.Open(cfg.Backlog.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	recovered, err := store.RecoverStale(ctx, time.Now().UTC())
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "recovered", recovered)

	runner := platform.OSProcessRunner{}
	fs := platform.OSFilesystem{}

	capabilityCachePath := filepath.Join(cfg.HomeDir, "adapter_capability.json")
	claudeCap, err := adapter.ProbeCapability(ctx, cfg.Adapters.Claude.Binary, cfg.Adapters.Claude.Model, capabilityCachePath)
	if err != nil {
		fatalStartup(logger, "E_CAPABILITY_PROBE", err)
	}
	codexCap, err := adapter.ProbeCapability(ctx, cfg.Adapters.Codex.Binary, cfg.Adapters.Codex.Model, capabilityCachePath)
	if err != nil {
		fatalStartup(logger, "E_CAPABILITY_PROBE", err)
	}
	if !claudeCap.Available && !codexCap.Available {
		fatalStartup(logger, "E_CAPABILITY_PROBE", fmt.Errorf("neither claude (%s) nor codex (%s) binaries are available", claudeCap.Reason, codexCap.Reason))
	}
	logger.Info("startup phase", "phase", "capability_probed",
		"claude_available", claudeCap.Available, "codex_available", codexCap.Available)

	defaultBackendKind := "claude"
	if !claudeCap.Available && codexCap.Available {
		defaultBackendKind = "codex"
	}
	backend, err := adapter.NewBackend(defaultBackendKind, runner, fs, adapterBinary(cfg, defaultBackendKind))
	if err != nil {
		fatalStartup(logger, "E_BACKEND_FACTORY", err)
	}
	defaultModel := cfg.Adapters.Claude.Model
	if defaultBackendKind == "codex" {
		defaultModel = cfg.Adapters.Codex.Model
	}

	tracer := otelProvider.Tracer

	var worktrees *worktree.Manager
	if cfg.Reconcile.RepoPath != "" && cfg.Reconcile.WorktreesRoot != "" {
		worktrees = worktree.New(cfg.Reconcile.RepoPath, cfg.Reconcile.WorktreesRoot)
	}
	var prChecker prstatus.Checker
	if cfg.Reconcile.GitHubOwner != "" && cfg.Reconcile.GitHubRepo != "" {
		client := github.NewClient(nil)
		if cfg.Reconcile.GitHubToken != "" {
			client = client.WithAuthToken(cfg.Reconcile.GitHubToken)
		}
		prChecker = prstatus.NewGitHubChecker(client, cfg.Reconcile.GitHubOwner, cfg.Reconcile.GitHubRepo)
	}

	recordingPath := filepath.Join(cfg.HomeDir, "replay.jsonl")
	recorder, recordingFile, err := replay.OpenRecorderFile(recordingPath)
	if err != nil {
		fatalStartup(logger, "E_REPLAY_RECORDER_INIT", err)
	}
	defer recordingFile.Close()

	newRuntime := func(workerID string) *workerrt.Runtime {
		return &workerrt.Runtime{
			Store:          store,
			Backend:        backend,
			Clock:          platform.SystemClock{},
			WorkerID:       workerID,
			LeaseDuration:  cfg.LeaseTimeout(),
			HeartbeatEvery: cfg.HeartbeatInterval(),
			Metrics:        metrics,
			Tracer:         tracer,
			TokenBudget:    cfg.TokenBudgetPerTurn,
			Model:          defaultModel,
			Worktrees:      worktrees,
			BaseBranch:     cfg.Reconcile.BaseBranch,
			PRStatus:       prChecker,
			Recorder:       recorder,
		}
	}

	var reconciler scheduler.Reconciler
	sweep := &reconcile.Sweep{Store: store, Worktrees: worktrees, PRs: prChecker}
	reconciler = sweep

	sched := scheduler.New(store, newRuntime, reconciler, scheduler.Config{
		WorkerCount:    cfg.Scheduler.WorkerCount,
		PollInterval:   time.Duration(cfg.Scheduler.PollIntervalMillis) * time.Millisecond,
		LeaseTimeout:   cfg.LeaseTimeout(),
		HeartbeatEvery: cfg.HeartbeatInterval(),
		ReconcileCron:  cfg.Scheduler.ReconcileCron,
		HotkeysEnabled: cfg.Scheduler.HotkeysEnabled,
	})
	sched.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "workers", cfg.Scheduler.WorkerCount)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go watchConfigReloads(ctx, watcher, cfg, logger)
	}

	term := platform.NewTTYTerminal()
	if term.IsTTY() && cfg.Scheduler.HotkeysEnabled {
		startedAt := time.Now()
		feed := tui.NewActivityFeed()
		go tui.WatchBus(ctx, eventBus, feed)

		provider := func() tui.Snapshot {
			counts, err := store.CountByStatus(ctx)
			lastErr := ""
			if err != nil {
				lastErr = err.Error()
			}
			return tui.Snapshot{
				DBOK:       err == nil,
				Workers:    cfg.Scheduler.WorkerCount,
				QueueDepth: counts[backlog.StatusReady],
				Active:     counts[backlog.StatusLeased] + counts[backlog.StatusInProgress],
				Unresolved: counts[backlog.StatusUnresolved],
				Failed:     counts[backlog.StatusFailed],
				LastError:  lastErr,
				LastEvent:  feed.LastMessage(),
				Uptime:     time.Since(startedAt),
			}
		}

		go func() {
			if err := tui.Run(ctx, provider, feed); err != nil && ctx.Err() == nil {
				logger.Warn("status dashboard exited", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	sched.Drain(cfg.DrainTimeout())
	logger.Info("shutdown complete")
}

// watchConfigReloads re-reads config.yaml whenever the watcher reports a
// change and logs what's different from the config this process started
// with. Nothing here is applied live — the scheduler, adapters, and FSM are
// all sized and wired at startup — but surfacing the diff tells an operator
// whether their edit actually requires the restart it implies.
func watchConfigReloads(ctx context.Context, watcher *config.Watcher, started config.Config, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Warn("config reload: failed to parse edited config", "error", err)
				continue
			}
			logConfigDiff(logger, started, next)
		}
	}
}

func logConfigDiff(logger *slog.Logger, before, after config.Config) {
	diffs := map[string]bool{
		"scheduler.worker_count":   before.Scheduler.WorkerCount != after.Scheduler.WorkerCount,
		"scheduler.reconcile_cron": before.Scheduler.ReconcileCron != after.Scheduler.ReconcileCron,
		"adapters.claude.model":    before.Adapters.Claude.Model != after.Adapters.Claude.Model,
		"adapters.codex.model":     before.Adapters.Codex.Model != after.Adapters.Codex.Model,
		"reconcile.github_owner":   before.Reconcile.GitHubOwner != after.Reconcile.GitHubOwner,
		"reconcile.github_repo":    before.Reconcile.GitHubRepo != after.Reconcile.GitHubRepo,
		"telemetry.log_level":      before.Telemetry.LogLevel != after.Telemetry.LogLevel,
	}
	changed := 0
	for field, isDiff := range diffs {
		if isDiff {
			logger.Info("config.yaml edited", "field", field, "restart_required", true)
			changed++
		}
	}
	if changed == 0 {
		logger.Info("config.yaml edited", "changed_fields", 0)
	}
}

func adapterBinary(cfg config.Config, kind string) string {
	if kind == "codex" {
		return cfg.Adapters.Codex.Binary
	}
	return cfg.Adapters.Claude.Binary
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
