package core

// Phase identifies the current step of a session's orchestration state
// machine. Phases form a closed set; the machine package owns the legal
// transitions between them.
type Phase string

const (
	// PhaseIdle is the initial phase: the session is open and waiting for
	// a user message or an activation request.
	PhaseIdle Phase = "IDLE"
	// PhaseExecutingEnrichments runs pre-call data/action augmentation.
	PhaseExecutingEnrichments Phase = "EXECUTING_ENRICHMENTS"
	// PhaseCallingAI is the provider invocation phase.
	PhaseCallingAI Phase = "CALLING_AI"
	// PhaseParsing deserializes and validates the raw provider response.
	PhaseParsing Phase = "PARSING"
	// PhaseWaitingValidation awaits a user decision on a validation request.
	PhaseWaitingValidation Phase = "WAITING_VALIDATION"
	// PhaseWaitingCommunication awaits the user's answer to a structured
	// interaction requested by the AI (e.g. a form).
	PhaseWaitingCommunication Phase = "WAITING_COMMUNICATION_RESPONSE"
	// PhaseExecutingQueries runs parsed data commands through the pipeline.
	PhaseExecutingQueries Phase = "EXECUTING_QUERIES"
	// PhaseExecutingActions runs parsed action commands through the pipeline.
	PhaseExecutingActions Phase = "EXECUTING_ACTIONS"
	// PhaseWaitingCompletion awaits confirmation of a completion condition
	// forwarded from the command pipeline.
	PhaseWaitingCompletion Phase = "WAITING_COMPLETION"
	// PhaseWaitingNetwork parks the session until connectivity returns.
	PhaseWaitingNetwork Phase = "WAITING_NETWORK"
	// PhaseRetrying backs off before re-entering PhaseCallingAI.
	PhaseRetrying Phase = "RETRYING"
	// PhasePreparingContinuation injects guidance before re-prompting an
	// automation (no-command nudge or completion confirmation request).
	PhasePreparingContinuation Phase = "PREPARING_CONTINUATION"
	// PhaseAwaitingClosure runs the fixed delay before a confirmed
	// automation completion becomes terminal.
	PhaseAwaitingClosure Phase = "AWAITING_SESSION_CLOSURE"
	// PhasePaused is the suspended phase; PhaseBeforePause records where to
	// resume.
	PhasePaused Phase = "PAUSED"
	// PhaseClosed is the single terminal phase.
	PhaseClosed Phase = "CLOSED"
)

// Terminal reports whether the phase is terminal.
func (p Phase) Terminal() bool { return p == PhaseClosed }

// Waiting reports whether the phase carries a WaitingContext. PhaseWaitingNetwork
// is not included: network waits carry only the retry counter.
func (p Phase) Waiting() bool {
	return p == PhaseWaitingValidation || p == PhaseWaitingCommunication || p == PhaseWaitingCompletion
}

// SessionType distinguishes interactive, unattended and template sessions.
type SessionType string

const (
	// SessionChat is an interactive user conversation.
	SessionChat SessionType = "CHAT"
	// SessionAutomation is a scheduled, unattended run.
	SessionAutomation SessionType = "AUTOMATION"
	// SessionSeed is a template from which automation runs are spawned.
	SessionSeed SessionType = "SEED"
)

// EndReason records why a session reached PhaseClosed.
type EndReason string

const (
	// EndCompleted marks normal completion.
	EndCompleted EndReason = "COMPLETED"
	// EndInterrupted marks a user- or scheduler-forced stop.
	EndInterrupted EndReason = "INTERRUPTED"
	// EndNetworkExhausted marks retry-ceiling exhaustion.
	EndNetworkExhausted EndReason = "NETWORK_EXHAUSTED"
	// EndAuthFailed marks a fatal provider authentication error.
	EndAuthFailed EndReason = "AUTH_FAILED"
	// EndParseFailed marks a second consecutive malformed response.
	EndParseFailed EndReason = "PARSE_FAILED"
	// EndValidationRejected marks a user-rejected validation request.
	EndValidationRejected EndReason = "VALIDATION_REJECTED"
	// EndInactivity marks an idle chat session auto-closed by the scheduler.
	EndInactivity EndReason = "INACTIVITY"
)

// ContinuationReason tags why an automation entered PhasePreparingContinuation.
type ContinuationReason string

const (
	// ContinuationCompletionConfirmation asks the model to confirm a first
	// completed=true signal before the session may close.
	ContinuationCompletionConfirmation ContinuationReason = "COMPLETION_CONFIRMATION_REQUIRED"
	// ContinuationNoCommands nudges an automation that replied without
	// commands and without completing.
	ContinuationNoCommands ContinuationReason = "AUTOMATION_NO_COMMANDS"
)
