package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/gardenerd/gardenerd/internal/envelope"
	"github.com/gardenerd/gardenerd/internal/platform"
)

// codexEvent is one line of `codex exec --json` NDJSON output: a thread
// lifecycle event (thread.started, turn.started), an item event
// (item.started/updated/completed) carrying the agent's tool calls and
// message text, or a turn terminator (turn.completed, turn.failed). The
// terminal turn.completed event carries its own envelope text when the
// agent emitted one on its last message; -o is a fallback for when it didn't.
type codexEvent struct {
	Type   string     `json:"type"`
	Reason string     `json:"reason,omitempty"` // turn.failed
	Text   string     `json:"text,omitempty"`   // turn.completed, item text
	Item   *codexItem `json:"item,omitempty"`
}

// codexItem is the payload of an item.* event.
type codexItem struct {
	Type string `json:"item_type,omitempty"`
	Text string `json:"text,omitempty"`
}

// text returns whatever message text this event carries, checking the
// item's text before the event's own (item.* events nest it one level down).
func (e codexEvent) text() string {
	if e.Item != nil && e.Item.Text != "" {
		return e.Item.Text
	}
	return e.Text
}

// CodexAdapter drives `codex exec` in non-interactive, sandbox-bypassed mode.
type CodexAdapter struct {
	Runner platform.ProcessRunner
	FS     platform.Filesystem
	Binary string // defaults to "codex"
}

func (a *CodexAdapter) binary() string {
	if a.Binary == "" {
		return "codex"
	}
	return a.Binary
}

func (a *CodexAdapter) Name() string { return "codex" }

// Execute runs one codex turn. Per the Codex CLI contract, the exact
// invocation shape is:
//
//	codex exec --json --bypass-sandbox --model <model> -C <workdir> -o <output_file> -
//
// with the prompt delivered on stdin (the trailing "-"). The terminal scan is
// first-failure-wins: the first turn.failed or error event ends the scan and
// is treated as decisive, even if later lines exist. Absent a failure, the
// last turn.completed event in the stream is decisive for success — Codex can
// emit more than one turn per invocation when it self-corrects mid-run.
func (a *CodexAdapter) Execute(ctx context.Context, req Request) (StepResult, error) {
	if req.OutputDir == "" {
		return StepResult{}, &Error{Kind: ErrorKindLaunch, Backend: a.Name(), Message: "OutputDir is required for codex adapter"}
	}
	outputFile := filepath.Join(req.OutputDir, "codex-output.json")

	args := []string{
		"exec", "--json", "--bypass-sandbox",
		"--model", req.Model,
		"-C", req.WorkDir,
		"-o", outputFile,
		"-",
	}

	procReq := platform.ProcessRequest{
		Program: a.binary(),
		Args:    args,
		Dir:     req.WorkDir,
		Env:     withSentinelEnv(nil),
		Stdin:   []byte(req.Prompt),
	}

	result, lines, err := runAndCollect(ctx, a.Runner, procReq, req.Timeout)
	if err != nil {
		return StepResult{}, &Error{Kind: ErrorKindLaunch, Backend: a.Name(), Message: "spawn failed", Cause: err}
	}

	sr := StepResult{ExitCode: result.ExitCode}
	var failureEvent, lastCompleted *codexEvent
	for _, line := range lines {
		line = trimSpace(line)
		if line == "" {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			sr.DiagnosticLines = append(sr.DiagnosticLines, line)
			sr.Events = append(sr.Events, AgentEvent{Type: EventUnknown, Raw: line})
			continue
		}
		classified := classifyCodexEvent(ev)
		sr.Events = append(sr.Events, AgentEvent{Type: classified, Raw: line})
		if classified == EventError {
			evCopy := ev
			failureEvent = &evCopy
			// first-failure-wins: stop scanning further lines as decisive.
			break
		}
		if classified == EventTurnComplete {
			evCopy := ev
			lastCompleted = &evCopy
		}
	}

	if failureEvent != nil {
		sr.Terminal = true
		message := failureEvent.Reason
		if message == "" {
			message = failureEvent.text()
		}
		return sr, &Error{Kind: ErrorKindNonZeroExit, Backend: a.Name(), Message: message}
	}

	if result.ExitCode != 0 {
		return sr, &Error{Kind: ErrorKindNonZeroExit, Backend: a.Name(), Message: fmt.Sprintf("exit code %d", result.ExitCode)}
	}

	sr.Terminal = true

	// The envelope parser runs over the terminal event's own text first;
	// the -o file is only consulted when turn.completed carried no text of
	// its own (or no turn.completed event was seen at all).
	if lastCompleted != nil {
		if text := lastCompleted.text(); text != "" {
			if env, err := envelope.ParseLast(text, ""); err == nil {
				sr.Payload = env.Payload
				return sr, nil
			}
		}
	}

	if !a.FS.Exists(outputFile) {
		return sr, &Error{Kind: ErrorKindNoTerminal, Backend: a.Name(), Message: "process exited 0 but produced no terminal text or output file"}
	}
	data, err := a.FS.ReadFile(outputFile)
	if err != nil {
		return sr, &Error{Kind: ErrorKindMalformed, Backend: a.Name(), Message: "failed to read output file", Cause: err}
	}
	env, err := envelope.ParseLast(string(data), "")
	if err != nil {
		return sr, &Error{Kind: ErrorKindMalformed, Backend: a.Name(), Message: "output file did not contain a valid envelope", Cause: err}
	}
	sr.Payload = env.Payload
	return sr, nil
}

// classifyCodexEvent maps the literal event-type tokens the real Codex CLI
// emits onto the adapter's backend-agnostic EventType taxonomy. item.* events
// carry no sub-kind of their own in the wire protocol, so started/updated
// (still accumulating tool output or message text) map to EventToolCall and
// completed (the item's final form) maps to EventOutputText.
func classifyCodexEvent(ev codexEvent) EventType {
	switch ev.Type {
	case "error", "turn.failed":
		return EventError
	case "item.started", "item.updated":
		return EventToolCall
	case "item.completed":
		return EventOutputText
	case "turn.completed":
		return EventTurnComplete
	default:
		return EventUnknown
	}
}

func trimSpace(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}
