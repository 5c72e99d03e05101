// Package envelope parses the fenced JSON output envelope coding-agent
// subprocesses emit on their final turn, and validates its payload against a
// per-state JSON Schema.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	startFence = "<<GARDENER_JSON_START>>"
	endFence   = "<<GARDENER_JSON_END>>"

	supportedSchemaVersion = 1
)

// Envelope is the parsed, fence-delimited structured output of an agent turn.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	State         string          `json:"state"`
	Payload       json.RawMessage `json:"payload"`
}

// ErrNoEnvelope is returned when the text contains no complete fenced pair.
var ErrNoEnvelope = fmt.Errorf("envelope: no complete %s...%s pair found", startFence, endFence)

// ParseLast scans text for every complete startFence/endFence pair and
// returns the last one, per the agent contract's last-complete-pair-wins
// rule (an agent may emit scratch JSON blocks before its final turn).
func ParseLast(text string, expectState string) (*Envelope, error) {
	var last string
	remaining := text
	found := false
	for {
		startIdx := strings.Index(remaining, startFence)
		if startIdx < 0 {
			break
		}
		afterStart := remaining[startIdx+len(startFence):]
		endIdx := strings.Index(afterStart, endFence)
		if endIdx < 0 {
			break
		}
		last = afterStart[:endIdx]
		found = true
		remaining = afterStart[endIdx+len(endFence):]
	}
	if !found {
		return nil, ErrNoEnvelope
	}

	var env Envelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(last)), &env); err != nil {
		return nil, fmt.Errorf("envelope: invalid JSON in fenced block: %w", err)
	}
	if env.SchemaVersion != supportedSchemaVersion {
		return nil, fmt.Errorf("envelope: unsupported schema_version %d (want %d)", env.SchemaVersion, supportedSchemaVersion)
	}
	if expectState != "" && env.State != expectState {
		return nil, fmt.Errorf("envelope: state mismatch: got %q, want %q", env.State, expectState)
	}
	return &env, nil
}

// Validator validates a parsed envelope's payload against a compiled JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemaJSON for later use against envelope payloads.
func NewValidator(schemaJSON json.RawMessage) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("envelope: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("payload.json", doc); err != nil {
		return nil, fmt.Errorf("envelope: add schema resource: %w", err)
	}
	schema, err := c.Compile("payload.json")
	if err != nil {
		return nil, fmt.Errorf("envelope: compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate reports whether payload conforms to the validator's schema.
func (v *Validator) Validate(payload json.RawMessage) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("envelope: invalid payload JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("envelope: payload does not match schema: %w", err)
	}
	return nil
}

// ParseAndValidate is the common entry point: parse the last envelope for the
// expected state, then validate its payload against schema.
func ParseAndValidate(text string, expectState string, v *Validator) (*Envelope, error) {
	env, err := ParseLast(text, expectState)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := v.Validate(env.Payload); err != nil {
			return nil, err
		}
	}
	return env, nil
}
