package core

import "context"

// PromptContext is the assembled input of one provider call. Prompt-text
// construction is external; the orchestrator only threads the transcript and
// any payloads that must be folded into the next request.
type PromptContext struct {
	SessionID   string         `json:"session_id"`
	SessionType SessionType    `json:"session_type"`
	Messages    []Message      `json:"messages"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Provider is the opaque AI call capability. Implementations translate their
// SDK errors into the provider package's typed error taxonomy so the
// processor can distinguish retryable from fatal failures.
type Provider interface {
	// Call performs one model invocation and returns the raw response
	// payload for the parse boundary.
	Call(ctx context.Context, prompt PromptContext) ([]byte, error)
}

// ReachabilityChecker is an optional pre-call connectivity probe. The
// processor consults it before invoking the provider; a false result routes
// straight to WAITING_NETWORK without burning a call.
type ReachabilityChecker interface {
	Reachable(ctx context.Context) bool
}

// CommandPipeline executes resource.operation commands. Ordering and cascade
// semantics are owned by the implementation: queries may run concurrently,
// actions run in order and skip the remainder of the batch on first failure.
type CommandPipeline interface {
	// ExecuteQueries runs a data-command batch; results preserve input order.
	ExecuteQueries(ctx context.Context, commands []Command) ([]CommandResult, error)

	// ExecuteActions runs an ordered action batch with cascade-on-failure.
	// The returned results always cover every command: failed commands carry
	// the error, commands after the failure are marked Skipped.
	ExecuteActions(ctx context.Context, commands []Command) ([]CommandResult, error)
}

// Validator resolves AI-issued validation requests with the user. Only the
// boolean outcome is consumed by orchestration.
type Validator interface {
	Resolve(ctx context.Context, req ValidationRequest) (accepted bool, err error)
}

// EnrichmentResult is the derived command set produced before a provider call.
type EnrichmentResult struct {
	DataCommands   []Command
	ActionCommands []Command
}

// EnrichmentLoader loads the enrichment definitions for a session context and
// regenerates their derived commands.
type EnrichmentLoader interface {
	LoadAndExecute(ctx context.Context, prompt PromptContext) (EnrichmentResult, error)
}

// Repository persists sessions, orchestration states, messages and seeds.
// Writes are synchronous and atomic from the orchestrator's perspective;
// SaveState in particular must land the state and any session end reason in
// one step so a crash is recoverable by replaying from the last persisted
// phase.
type Repository interface {
	SaveSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)

	SaveState(ctx context.Context, state OrchestrationState) error
	LoadState(ctx context.Context, sessionID string) (OrchestrationState, bool, error)

	// AppendMessage assigns the next sequence number and persists the message.
	AppendMessage(ctx context.Context, m Message) (Message, error)
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	SaveSeed(ctx context.Context, seed *Seed) error
	Seeds(ctx context.Context) ([]*Seed, error)
}

// StateUpdate is one entry of the observable orchestration stream consumed by
// presentation layers.
type StateUpdate struct {
	SessionID   string      `json:"session_id"`
	SessionType SessionType `json:"session_type"`
	Phase       Phase       `json:"phase"`
	EndReason   EndReason   `json:"end_reason,omitempty"`
}
