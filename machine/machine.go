// Package machine implements the pure phase transition function of the
// orchestration engine. Next is deterministic and total: for any
// (state, event) pair it returns the successor state and whether a transition
// applied. It performs no I/O; side effects implied by the successor phase are
// the processor's job.
package machine

import (
	"time"

	"github.com/badibam/assistant-sub001/core"
)

// Rules holds the tunable bounds consulted by the transition function.
type Rules struct {
	// RetryCeiling bounds consecutive network retries; exceeding it closes
	// the session with NETWORK_EXHAUSTED.
	RetryCeiling int

	// ClosureDelay is the fixed delay armed on entering
	// AWAITING_SESSION_CLOSURE before the session becomes terminal.
	ClosureDelay time.Duration

	// RetryBackoff is the base delay armed on entering RETRYING.
	RetryBackoff time.Duration

	// CompletionTimeout bounds WAITING_COMPLETION; when it elapses the
	// pending completion counts as confirmed. Zero waits for an explicit
	// confirmation.
	CompletionTimeout time.Duration
}

// DefaultRules mirrors the documented defaults: 3 retries, 5s closure delay,
// 2s retry backoff.
var DefaultRules = Rules{
	RetryCeiling: 3,
	ClosureDelay: 5 * time.Second,
	RetryBackoff: 2 * time.Second,
}

// Next computes the successor state for an event. The returned bool reports
// whether the event was legal in the current phase; illegal events leave the
// state untouched so the caller can log the anomaly and carry on.
func Next(s core.OrchestrationState, ev core.Event, r Rules) (core.OrchestrationState, bool) {
	// Cross-phase events first: pause, resume, interruption and fatal errors
	// apply regardless of the current phase.
	switch e := ev.(type) {
	case core.SessionPaused:
		if s.Phase == core.PhasePaused || s.Phase.Terminal() {
			return s, false
		}
		s.PhaseBeforePause = s.Phase
		s.Phase = core.PhasePaused
		return s, true

	case core.SessionResumed:
		if s.Phase != core.PhasePaused {
			return s, false
		}
		s.Phase = s.PhaseBeforePause
		s.PhaseBeforePause = ""
		return s, true

	case core.SessionInterrupted:
		if s.Phase.Terminal() {
			return s, false
		}
		return terminate(s, core.EndInterrupted), true

	case core.FatalError:
		if s.Phase.Terminal() {
			return s, false
		}
		return terminate(s, e.Reason), true
	}

	switch s.Phase {
	case core.PhaseIdle:
		switch ev.(type) {
		case core.UserMessageSent, core.SessionActivationRequested:
			s.Phase = core.PhaseExecutingEnrichments
			return s, true
		}

	case core.PhaseExecutingEnrichments:
		if _, ok := ev.(core.EnrichmentsExecuted); ok {
			s.Phase = core.PhaseCallingAI
			return s, true
		}

	case core.PhaseCallingAI:
		switch ev.(type) {
		case core.AIResponseReceived:
			s.Phase = core.PhaseParsing
			s.RetryCount = 0
			return s, true
		case core.NetworkUnavailable:
			if s.RetryCount >= r.RetryCeiling {
				return terminate(s, core.EndNetworkExhausted), true
			}
			s.RetryCount++
			s.Phase = core.PhaseWaitingNetwork
			return s, true
		}

	case core.PhaseWaitingNetwork:
		if _, ok := ev.(core.NetworkAvailable); ok {
			s.Phase = core.PhaseRetrying
			return s, true
		}

	case core.PhaseRetrying:
		if _, ok := ev.(core.RetryElapsed); ok {
			s.Phase = core.PhaseCallingAI
			return s, true
		}

	case core.PhaseParsing:
		switch e := ev.(type) {
		case core.AIResponseParsed:
			s.ParseRetried = false
			return route(s, e.Response), true
		case core.ParseFailed:
			if s.ParseRetried {
				return terminate(s, core.EndParseFailed), true
			}
			// One corrective re-call with a system note before giving up.
			s.ParseRetried = true
			s.Phase = core.PhaseCallingAI
			return s, true
		}

	case core.PhaseWaitingValidation:
		if e, ok := ev.(core.ValidationResolved); ok {
			s.Waiting = nil
			if e.Accepted {
				s.Phase = core.PhaseExecutingActions
				return s, true
			}
			return terminate(s, core.EndValidationRejected), true
		}

	case core.PhaseWaitingCommunication:
		if _, ok := ev.(core.CommunicationResolved); ok {
			s.Waiting = nil
			s.Phase = core.PhaseCallingAI
			return s, true
		}

	case core.PhaseExecutingQueries:
		if _, ok := ev.(core.QueriesExecuted); ok {
			s.Phase = core.PhaseCallingAI
			return s, true
		}

	case core.PhaseExecutingActions:
		if e, ok := ev.(core.ActionsExecuted); ok {
			if e.Completed {
				s.Phase = core.PhaseWaitingCompletion
				s.Waiting = core.CompletionContext{}
				return s, true
			}
			s.Phase = core.PhaseCallingAI
			return s, true
		}

	case core.PhaseWaitingCompletion:
		if _, ok := ev.(core.CompletionConfirmed); ok {
			s.Waiting = nil
			s.Phase = core.PhaseAwaitingClosure
			return s, true
		}

	case core.PhasePreparingContinuation:
		if _, ok := ev.(core.ContinuationReady); ok {
			s.ContinuationReason = ""
			s.Phase = core.PhaseCallingAI
			return s, true
		}

	case core.PhaseAwaitingClosure:
		if _, ok := ev.(core.SessionCompleted); ok {
			return terminate(s, core.EndCompleted), true
		}
	}

	return s, false
}

// route applies the priority-ordered PARSING rules; first match wins.
func route(s core.OrchestrationState, pr core.ParsedResponse) core.OrchestrationState {
	switch {
	case pr.ValidationRequest != nil && s.SessionType == core.SessionChat:
		s.Phase = core.PhaseWaitingValidation
		s.Waiting = core.ValidationContext{
			Request:        *pr.ValidationRequest,
			PendingActions: pr.ActionCommands,
		}

	case pr.Communication != nil && s.SessionType == core.SessionChat:
		s.Phase = core.PhaseWaitingCommunication
		s.Waiting = core.CommunicationContext{Module: *pr.Communication}

	case len(pr.DataCommands) > 0:
		s.Phase = core.PhaseExecutingQueries

	case len(pr.ActionCommands) > 0:
		s.Phase = core.PhaseExecutingActions

	case pr.Completed:
		switch {
		case s.SessionType == core.SessionAutomation && !s.AwaitingCompletionConfirmation:
			// First completed signal: ask the model to confirm before closing.
			s.AwaitingCompletionConfirmation = true
			s.Phase = core.PhasePreparingContinuation
			s.ContinuationReason = core.ContinuationCompletionConfirmation
		case s.SessionType == core.SessionAutomation:
			s.Phase = core.PhaseAwaitingClosure
		default:
			return terminate(s, core.EndCompleted)
		}

	case s.SessionType == core.SessionAutomation:
		// No commands, not completed: the automation must be nudged before
		// being re-prompted, never closed or left idle.
		s.Phase = core.PhasePreparingContinuation
		s.ContinuationReason = core.ContinuationNoCommands

	default:
		// Plain conversational reply; the chat stays open for the next turn.
		s.Phase = core.PhaseIdle
	}

	return s
}

func terminate(s core.OrchestrationState, reason core.EndReason) core.OrchestrationState {
	s.Phase = core.PhaseClosed
	s.EndReason = reason
	s.Waiting = nil
	s.ContinuationReason = ""
	s.PhaseBeforePause = ""
	return s
}
