// Package policy guards filesystem paths derived from values that can
// ultimately trace back to an external source — a task's branch name, a
// worktree root taken from config, a reconciler sweep path — so that a
// crafted task can't walk a worker or the reconciler outside the directories
// it was scoped to.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy is the serializable set of allowed path prefixes.
type Policy struct {
	AllowPaths []string `yaml:"allow_paths"`
}

// Default returns a Policy with no restrictions; AllowPath permits
// everything until AllowPaths is populated.
func Default() Policy {
	return Policy{}
}

// Load reads a policy file. A missing or empty file is not an error and
// yields Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("policy: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("policy: parse %q: %w", path, err)
	}
	return p, nil
}

// AllowPath reports whether path resolves within one of the configured
// allowed prefixes. An empty AllowPaths list permits everything.
func (p Policy) AllowPath(path string) bool {
	if len(p.AllowPaths) == 0 {
		return true
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// The path may not exist yet (a worktree about to be created);
		// fall back to resolving its parent directory.
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return false
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false
	}
	for _, allowed := range p.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if evalAllowed, evalErr := filepath.EvalSymlinks(allowedAbs); evalErr == nil {
			allowedAbs = evalAllowed
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// LivePolicy wraps a Policy for safe concurrent reads while the reconciler
// reloads it from disk between sweeps.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

// NewLivePolicy returns a LivePolicy seeded with initial.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// AllowPath is the thread-safe check used at runtime.
func (lp *LivePolicy) AllowPath(path string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowPath(path)
}

// Reload replaces the policy data from a freshly loaded snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return Policy{AllowPaths: append([]string(nil), lp.data.AllowPaths...)}
}
