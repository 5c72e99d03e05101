// Package doctor runs a battery of independent, non-destructive checks
// against a gardenerd installation — config, database, filesystem
// permissions, the agent CLI binaries, and network reachability to the
// configured adapters — and reports each one's outcome without
// short-circuiting on the first failure.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gardenerd/gardenerd/internal/backlog"
	"github.com/gardenerd/gardenerd/internal/config"
)

// CheckResult is the outcome of one diagnostic check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnosis is a full doctor run's report.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo describes the host the checks ran on.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against cfg, which may be the zero
// value if config.Load itself failed.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkBacklogDB,
		checkAdapterBinaries,
		checkGitBinary,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

func checkBacklogDB(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Backlog.DBPath == "" {
		return CheckResult{Name: "Backlog DB", Status: "SKIP", Message: "config missing"}
	}
	store, err := backlog.Open(cfg.Backlog.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Backlog DB", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return CheckResult{Name: "Backlog DB", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{Name: "Backlog DB", Status: "PASS", Message: fmt.Sprintf("connection and schema valid (%d tasks)", total)}
}

func checkAdapterBinaries(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Adapter Binaries", Status: "SKIP", Message: "config missing"}
	}
	var details []string
	available := 0
	for _, pair := range []struct{ name, binary string }{
		{"claude", cfg.Adapters.Claude.Binary},
		{"codex", cfg.Adapters.Codex.Binary},
	} {
		if pair.binary == "" {
			continue
		}
		if _, err := exec.LookPath(pair.binary); err != nil {
			details = append(details, fmt.Sprintf("%s: missing (%s)", pair.name, pair.binary))
			continue
		}
		details = append(details, fmt.Sprintf("%s: ok (%s)", pair.name, pair.binary))
		available++
	}
	status := "PASS"
	if available == 0 {
		status = "FAIL"
	}
	return CheckResult{
		Name:    "Adapter Binaries",
		Status:  status,
		Message: fmt.Sprintf("%d of %d adapter binaries available", available, len(details)),
		Detail:  fmt.Sprintf("%v", details),
	}
}

func checkGitBinary(ctx context.Context, cfg *config.Config) CheckResult {
	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{Name: "Git", Status: "FAIL", Message: "git not found on PATH (required for worktree creation)"}
	}
	return CheckResult{Name: "Git", Status: "PASS", Message: "git available"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "config missing"}
	}

	hosts := []string{"api.github.com"}
	if cfg.Adapters.Claude.Binary != "" {
		hosts = append(hosts, "api.anthropic.com")
	}
	if cfg.Adapters.Codex.Binary != "" {
		hosts = append(hosts, "api.openai.com")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var details []string
	failures := 0
	for _, host := range hosts {
		start := time.Now()
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		latency := time.Since(start)
		if err != nil {
			details = append(details, fmt.Sprintf("%s: lookup failed (%v)", host, err))
			failures++
			continue
		}
		details = append(details, fmt.Sprintf("%s: ok (%d addrs, %dms)", host, len(addrs), latency.Milliseconds()))
	}

	status := "PASS"
	if failures == len(hosts) {
		status = "FAIL"
	} else if failures > 0 {
		status = "WARN"
	}
	return CheckResult{
		Name:    "Network",
		Status:  status,
		Message: fmt.Sprintf("resolved %d of %d hosts", len(hosts)-failures, len(hosts)),
		Detail:  fmt.Sprintf("%v", details),
	}
}
