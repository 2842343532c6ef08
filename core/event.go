package core

// EventKind tags the members of the orchestration event union.
type EventKind string

const (
	EvUserMessageSent            EventKind = "USER_MESSAGE_SENT"
	EvSessionActivationRequested EventKind = "SESSION_ACTIVATION_REQUESTED"
	EvEnrichmentsExecuted        EventKind = "ENRICHMENTS_EXECUTED"
	EvAIResponseReceived         EventKind = "AI_RESPONSE_RECEIVED"
	EvAIResponseParsed           EventKind = "AI_RESPONSE_PARSED"
	EvParseFailed                EventKind = "PARSE_FAILED"
	EvValidationResolved         EventKind = "VALIDATION_RESOLVED"
	EvCommunicationResolved      EventKind = "COMMUNICATION_RESOLVED"
	EvNetworkUnavailable         EventKind = "NETWORK_UNAVAILABLE"
	EvNetworkAvailable           EventKind = "NETWORK_AVAILABLE"
	EvRetryElapsed               EventKind = "RETRY_ELAPSED"
	EvQueriesExecuted            EventKind = "QUERIES_EXECUTED"
	EvActionsExecuted            EventKind = "ACTIONS_EXECUTED"
	EvCompletionConfirmed        EventKind = "COMPLETION_CONFIRMED"
	EvContinuationReady          EventKind = "CONTINUATION_READY"
	EvSessionPaused              EventKind = "SESSION_PAUSED"
	EvSessionResumed             EventKind = "SESSION_RESUMED"
	EvSessionInterrupted         EventKind = "SESSION_INTERRUPTED"
	EvSessionCompleted           EventKind = "SESSION_COMPLETED"
	EvFatalError                 EventKind = "FATAL_ERROR"
)

// Event is the tagged union of every orchestration trigger. Events are
// consumed exactly once, in arrival order, by the single processor goroutine
// owning the session. Concrete events are value types; none is mutated after
// submission.
type Event interface {
	Kind() EventKind
}

// UserMessageSent carries a new user turn into an idle chat session.
type UserMessageSent struct{ Text string }

func (UserMessageSent) Kind() EventKind { return EvUserMessageSent }

// SessionActivationRequested starts orchestration for a newly activated
// session (scheduler-driven; carries the seed prompt for automation runs).
type SessionActivationRequested struct{ Prompt string }

func (SessionActivationRequested) Kind() EventKind { return EvSessionActivationRequested }

// EnrichmentsExecuted reports the derived commands produced by the enrichment
// capability.
type EnrichmentsExecuted struct {
	DataCommands   []Command
	ActionCommands []Command
}

func (EnrichmentsExecuted) Kind() EventKind { return EvEnrichmentsExecuted }

// AIResponseReceived carries the raw provider payload into PARSING.
type AIResponseReceived struct{ Raw []byte }

func (AIResponseReceived) Kind() EventKind { return EvAIResponseReceived }

// AIResponseParsed carries the structured response into the routing rules.
type AIResponseParsed struct{ Response ParsedResponse }

func (AIResponseParsed) Kind() EventKind { return EvAIResponseParsed }

// ParseFailed reports a malformed provider response at the parse boundary.
// The first failure triggers one corrective re-call; the second is fatal.
type ParseFailed struct{ Cause string }

func (ParseFailed) Kind() EventKind { return EvParseFailed }

// ValidationResolved reports the user's accept/reject decision.
type ValidationResolved struct{ Accepted bool }

func (ValidationResolved) Kind() EventKind { return EvValidationResolved }

// CommunicationResolved carries the user's answer to a communication module;
// the payload is folded back into the next provider request.
type CommunicationResolved struct{ Payload map[string]any }

func (CommunicationResolved) Kind() EventKind { return EvCommunicationResolved }

// NetworkUnavailable reports a transient provider failure during CALLING_AI.
type NetworkUnavailable struct{ Cause string }

func (NetworkUnavailable) Kind() EventKind { return EvNetworkUnavailable }

// NetworkAvailable reports restored connectivity while parked in
// WAITING_NETWORK.
type NetworkAvailable struct{}

func (NetworkAvailable) Kind() EventKind { return EvNetworkAvailable }

// RetryElapsed fires when the RETRYING backoff timer expires.
type RetryElapsed struct{}

func (RetryElapsed) Kind() EventKind { return EvRetryElapsed }

// QueriesExecuted reports a finished data-command batch; results feed the
// next provider call.
type QueriesExecuted struct{ Results []CommandResult }

func (QueriesExecuted) Kind() EventKind { return EvQueriesExecuted }

// ActionsExecuted reports a finished (possibly cascade-skipped) action batch.
// Completed is set when the pipeline itself forwarded a completion condition.
type ActionsExecuted struct {
	Results   []CommandResult
	Completed bool
}

func (ActionsExecuted) Kind() EventKind { return EvActionsExecuted }

// CompletionConfirmed resolves WAITING_COMPLETION toward closure.
type CompletionConfirmed struct{}

func (CompletionConfirmed) Kind() EventKind { return EvCompletionConfirmed }

// ContinuationReady reports that continuation guidance has been injected and
// the next provider call may start.
type ContinuationReady struct{}

func (ContinuationReady) Kind() EventKind { return EvContinuationReady }

// SessionPaused suspends the session, recording the phase to resume from.
type SessionPaused struct{}

func (SessionPaused) Kind() EventKind { return EvSessionPaused }

// SessionResumed restores the phase recorded at pause time.
type SessionResumed struct{}

func (SessionResumed) Kind() EventKind { return EvSessionResumed }

// SessionInterrupted force-closes the session (user- or scheduler-driven).
type SessionInterrupted struct{}

func (SessionInterrupted) Kind() EventKind { return EvSessionInterrupted }

// SessionCompleted fires when the closure delay expires uncancelled.
type SessionCompleted struct{}

func (SessionCompleted) Kind() EventKind { return EvSessionCompleted }

// FatalError closes the session with the carried end reason. Emitted by the
// processor when a side effect fails unrecoverably (auth failure, second
// malformed response, repository write failure).
type FatalError struct {
	Reason EndReason
	Cause  string
}

func (FatalError) Kind() EventKind { return EvFatalError }
