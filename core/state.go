package core

// WaitingContext carries the payload a session is blocked on while in one of
// the waiting phases. Exactly one concrete context is populated while its
// phase is active; outside a waiting phase the slot is nil.
type WaitingContext interface {
	waitingContext()
}

// ValidationContext is held while the session waits for the user to accept or
// reject an AI-proposed action batch.
type ValidationContext struct {
	Request        ValidationRequest `json:"request"`
	PendingActions []Command         `json:"pending_actions,omitempty"`
}

func (ValidationContext) waitingContext() {}

// CommunicationContext is held while the session waits for the user's answer
// to a structured interaction module.
type CommunicationContext struct {
	Module CommunicationModule `json:"module"`
}

func (CommunicationContext) waitingContext() {}

// CompletionContext is held while the session waits for confirmation of a
// completion condition forwarded by the command pipeline.
type CompletionContext struct {
	Summary string `json:"summary,omitempty"`
}

func (CompletionContext) waitingContext() {}

// OrchestrationState is the mutable orchestration record of one active or
// paused session. The event processor owns the only mutable copy; every phase
// change is handed to the repository for durable storage.
//
// Invariants:
//   - WaitingContext is non-nil iff Phase.Waiting()
//   - ContinuationReason is non-empty iff Phase == PhasePreparingContinuation
//   - PhaseBeforePause is non-empty iff Phase == PhasePaused
type OrchestrationState struct {
	SessionID   string      `json:"session_id"`
	SessionType SessionType `json:"session_type"`
	Phase       Phase       `json:"phase"`

	// RetryCount counts consecutive network failures in the current call
	// attempt. Reset when a call succeeds.
	RetryCount int `json:"retry_count"`

	// AwaitingCompletionConfirmation is set after an automation's first
	// completed=true signal; the second signal is the confirmed terminal
	// intent.
	AwaitingCompletionConfirmation bool `json:"awaiting_completion_confirmation"`

	// ParseRetried is set after the single corrective re-call that follows a
	// malformed response; a second malformed response is fatal.
	ParseRetried bool `json:"parse_retried"`

	ContinuationReason ContinuationReason `json:"continuation_reason,omitempty"`
	Waiting            WaitingContext     `json:"waiting,omitempty"`
	PhaseBeforePause   Phase              `json:"phase_before_pause,omitempty"`

	// EndReason is set together with the transition to PhaseClosed.
	EndReason EndReason `json:"end_reason,omitempty"`
}

// NewOrchestrationState creates the initial IDLE state for a session.
func NewOrchestrationState(sessionID string, sessionType SessionType) OrchestrationState {
	return OrchestrationState{
		SessionID:   sessionID,
		SessionType: sessionType,
		Phase:       PhaseIdle,
	}
}

// Active reports whether the session currently holds orchestration progress,
// i.e. is neither paused nor closed.
func (s OrchestrationState) Active() bool {
	return s.Phase != PhasePaused && s.Phase != PhaseClosed
}
