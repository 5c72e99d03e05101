// Package platform defines the small set of environment contracts the
// orchestrator core consumes instead of touching the operating system
// directly: a clock, a filesystem, a subprocess runner, and a terminal.
// Each contract has a production implementation and a deterministic fake,
// so the rest of the tree can be driven under test (and under replay)
// without ever shelling out or touching a wall clock.
package platform

import (
	"context"
	"time"
)

// Clock abstracts wall-clock time so tests and replay can advance it explicitly.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Filesystem abstracts the handful of file operations the core needs.
type Filesystem interface {
	Exists(path string) bool
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm uint32) error
	MkdirAll(path string, perm uint32) error
	RemoveFile(path string) error
	RemoveAll(path string) error
	ReadDir(path string) ([]string, error)
}

// ProcessRequest describes a subprocess to spawn.
type ProcessRequest struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	Stdin   []byte
}

// ProcessResult is what a completed (or killed) subprocess yields.
type ProcessResult struct {
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	Err             error
}

// LineCallback is invoked once per newline-delimited line read from stdout,
// in arrival order, before the process exits. Returning an error does not
// stop the scan; it is only used by callers that want to record parse
// failures without aborting the read loop.
type LineCallback func(line []byte)

// ProcessHandle is an opaque running-process reference returned by Spawn.
type ProcessHandle interface {
	// Wait blocks until the process exits (or ctx is cancelled), invoking cb
	// for each stdout line as it arrives.
	Wait(ctx context.Context, cb LineCallback) (ProcessResult, error)
	// Kill delivers SIGTERM, waits up to grace, then SIGKILL.
	Kill(grace time.Duration)
}

// ProcessRunner abstracts subprocess execution.
type ProcessRunner interface {
	Spawn(ctx context.Context, req ProcessRequest) (ProcessHandle, error)
}

// Key is a single captured keypress from the terminal.
type Key struct {
	Rune rune
	Name string // named keys: "enter", "esc", "ctrl+c", ...
}

// Terminal abstracts the hotkey/status surface the scheduler polls.
type Terminal interface {
	IsTTY() bool
	PollKey(timeout time.Duration) (Key, bool)
	WriteLine(line string)
	DrawStatus(lines []string)
}
