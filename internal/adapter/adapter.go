// Package adapter wraps coding-agent CLI subprocesses (Codex-style and
// Claude-style) behind a single backend contract, so the worker runtime
// never needs to know which agent binary is driving a turn.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gardenerd/gardenerd/internal/platform"
)

// EventType classifies one parsed line of agent output.
type EventType string

const (
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventOutputText   EventType = "output_text"
	EventTurnComplete EventType = "turn_complete"
	EventError        EventType = "error"
	EventUnknown      EventType = "unknown"
)

// AgentEvent is one classified unit of subprocess output.
type AgentEvent struct {
	Type EventType
	Raw  string
}

// StepResult is the outcome of running one agent turn to completion.
type StepResult struct {
	// Terminal is true once a decisive result event (success or failure) was
	// observed; false means the subprocess exited without ever producing one.
	Terminal bool
	// Payload is the envelope payload extracted from the turn's output, if any.
	Payload json.RawMessage
	Events  []AgentEvent
	// DiagnosticLines holds stderr and any unparseable stdout lines, for audit logging.
	DiagnosticLines []string
	ExitCode        int
}

// ErrorKind distinguishes retryable adapter failures from fatal ones.
type ErrorKind string

const (
	ErrorKindLaunch        ErrorKind = "launch"          // the binary could not be started
	ErrorKindTimeout       ErrorKind = "timeout"         // turn exceeded its deadline
	ErrorKindNoTerminal    ErrorKind = "no_terminal"     // process exited without a decisive result
	ErrorKindMalformed     ErrorKind = "malformed"       // output could not be parsed at all
	ErrorKindNonZeroExit   ErrorKind = "nonzero_exit"    // process exited nonzero with no recoverable result
)

// Error is a typed adapter failure carrying enough context for the worker
// runtime's retry/escalate decision.
type Error struct {
	Kind    ErrorKind
	Backend string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("adapter(%s): %s: %s: %v", e.Backend, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("adapter(%s): %s: %s", e.Backend, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Request is a single turn's invocation parameters.
type Request struct {
	Prompt    string
	WorkDir   string
	Model     string
	OutputDir string // Codex-style writes output to a file here; Claude-style ignores this.
	Timeout   time.Duration
}

// Backend drives a single agent CLI through one turn.
type Backend interface {
	Name() string
	Execute(ctx context.Context, req Request) (StepResult, error)
}

// sentinelEnvVar is set on every spawned agent subprocess so that, should the
// agent itself attempt to invoke this orchestrator's own binary (directly or
// via a nested shell), the recursive launch can be detected and refused
// rather than spawning an unbounded process tree.
const sentinelEnvVar = "GARDENERD_ADAPTER_DEPTH=1"

func withSentinelEnv(env []string) []string {
	return append(append([]string{}, env...), sentinelEnvVar)
}

// NewBackend is the small factory the adapter surface is registered into:
// add a third backend by adding a case here, no inheritance required.
func NewBackend(kind string, runner platform.ProcessRunner, fs platform.Filesystem, binary string) (Backend, error) {
	switch kind {
	case "claude":
		return &ClaudeAdapter{Runner: runner, Binary: binary}, nil
	case "codex":
		return &CodexAdapter{Runner: runner, FS: fs, Binary: binary}, nil
	default:
		return nil, fmt.Errorf("adapter: unknown backend kind %q", kind)
	}
}

func runAndCollect(ctx context.Context, runner platform.ProcessRunner, req platform.ProcessRequest, timeout time.Duration) (platform.ProcessResult, []string, error) {
	handle, err := runner.Spawn(ctx, req)
	if err != nil {
		return platform.ProcessResult{}, nil, err
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var lines []string
	result, err := handle.Wait(waitCtx, func(line []byte) {
		lines = append(lines, string(line))
	})
	if err != nil {
		return result, lines, err
	}
	return result, lines, nil
}
