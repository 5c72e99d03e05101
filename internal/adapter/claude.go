package adapter

import (
	"context"
	"encoding/json"

	"github.com/gardenerd/gardenerd/internal/envelope"
	"github.com/gardenerd/gardenerd/internal/platform"
)

// claudeStreamEvent mirrors the subset of `claude --output-format
// stream-json` NDJSON fields this adapter cares about.
type claudeStreamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// ClaudeAdapter drives `claude -p` in one-shot, non-interactive mode.
type ClaudeAdapter struct {
	Runner platform.ProcessRunner
	Binary string // defaults to "claude"
}

func (a *ClaudeAdapter) binary() string {
	if a.Binary == "" {
		return "claude"
	}
	return a.Binary
}

func (a *ClaudeAdapter) Name() string { return "claude" }

// Execute runs one claude turn. The exact invocation shape is:
//
//	claude -p "<prompt>" --output-format stream-json --verbose --model <model>
//
// Unlike the Codex adapter, the prompt is passed as a CLI argument and stdin
// is closed immediately rather than piped — claude in -p mode does not read
// further input. The terminal scan is last-result-wins: claude may emit
// multiple "result" typed events across retried tool calls within a turn, and
// only the final one reflects the turn's true outcome.
func (a *ClaudeAdapter) Execute(ctx context.Context, req Request) (StepResult, error) {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--model", req.Model,
	}

	procReq := platform.ProcessRequest{
		Program: a.binary(),
		Args:    args,
		Dir:     req.WorkDir,
		Env:     withSentinelEnv(nil),
		// stdin intentionally left nil/closed: claude -p does not consume it.
	}

	result, lines, err := runAndCollect(ctx, a.Runner, procReq, req.Timeout)
	if err != nil {
		return StepResult{}, &Error{Kind: ErrorKindLaunch, Backend: a.Name(), Message: "spawn failed", Cause: err}
	}

	sr := StepResult{ExitCode: result.ExitCode}
	var lastResult *claudeStreamEvent
	for _, line := range lines {
		line = trimSpace(line)
		if line == "" {
			continue
		}
		var ev claudeStreamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			sr.DiagnosticLines = append(sr.DiagnosticLines, line)
			sr.Events = append(sr.Events, AgentEvent{Type: EventUnknown, Raw: line})
			continue
		}
		classified := classifyClaudeEvent(ev)
		sr.Events = append(sr.Events, AgentEvent{Type: classified, Raw: line})
		if ev.Type == "result" {
			evCopy := ev
			lastResult = &evCopy
		}
	}

	if lastResult == nil {
		return sr, &Error{Kind: ErrorKindNoTerminal, Backend: a.Name(), Message: "process exited without any result event"}
	}
	if lastResult.IsError {
		sr.Terminal = true
		return sr, &Error{Kind: ErrorKindNonZeroExit, Backend: a.Name(), Message: lastResult.Result}
	}

	// The envelope is fenced inside the last result event's unescaped Result
	// text, not in the raw NDJSON line (which escapes embedded quotes).
	env, err := envelope.ParseLast(lastResult.Result, "")
	if err != nil {
		return sr, &Error{Kind: ErrorKindMalformed, Backend: a.Name(), Message: "no envelope found in successful turn", Cause: err}
	}
	sr.Terminal = true
	sr.Payload = env.Payload
	return sr, nil
}

func classifyClaudeEvent(ev claudeStreamEvent) EventType {
	switch ev.Type {
	case "result":
		if ev.IsError {
			return EventError
		}
		return EventTurnComplete
	case "assistant", "user":
		return EventOutputText
	default:
		return EventUnknown
	}
}
