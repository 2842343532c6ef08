package core

import (
	"encoding/json"
	"fmt"
)

// Command is one `resource.operation` instruction extracted from a parsed
// provider response or produced by an enrichment.
type Command struct {
	Resource  string         `json:"resource"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// String renders the command in resource.operation form for logs and
// system messages.
func (c Command) String() string { return c.Resource + "." + c.Operation }

// CommandResult is the outcome of executing a single command.
type CommandResult struct {
	Command Command `json:"command"`
	OK      bool    `json:"ok"`
	Payload any     `json:"payload,omitempty"`
	Err     string  `json:"error,omitempty"`

	// Skipped marks actions that were never executed because an earlier
	// action in the same ordered batch failed.
	Skipped bool `json:"skipped,omitempty"`
}

// CompletionSignal is a payload a command handler may return to forward a
// completion condition from an action batch into the orchestration.
type CompletionSignal struct {
	Summary string `json:"summary,omitempty"`
}

// ValidationRequest is an AI-issued request for explicit user approval before
// an action batch runs.
type ValidationRequest struct {
	Prompt  string    `json:"prompt"`
	Actions []Command `json:"actions,omitempty"`
}

// CommunicationModule is an AI-issued structured interaction (form, choice
// list) that the orchestration awaits synchronously.
type CommunicationModule struct {
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ParsedResponse is the structured form of a raw provider response, the
// single input of the PARSING routing rules. Optional slots are pointers so
// absence is distinguishable from zero values.
type ParsedResponse struct {
	Text              string               `json:"text,omitempty"`
	DataCommands      []Command            `json:"data_commands,omitempty"`
	ActionCommands    []Command            `json:"action_commands,omitempty"`
	Completed         bool                 `json:"completed"`
	ValidationRequest *ValidationRequest   `json:"validation_request,omitempty"`
	Communication     *CommunicationModule `json:"communication,omitempty"`
}

// ParseResponse deserializes a raw provider payload and enforces the
// structural constraints of the parse boundary.
func ParseResponse(raw []byte) (ParsedResponse, error) {
	var pr ParsedResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return ParsedResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if err := pr.Validate(); err != nil {
		return ParsedResponse{}, err
	}
	return pr, nil
}

// Validate rejects responses that populate mutually exclusive slots. The
// routing rules expect at most one of validation request and communication
// module; a response carrying both is malformed.
func (pr ParsedResponse) Validate() error {
	if pr.ValidationRequest != nil && pr.Communication != nil {
		return fmt.Errorf("response populates both validation_request and communication")
	}
	return nil
}
