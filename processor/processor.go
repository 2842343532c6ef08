// Package processor implements the event loop driving one session's phase
// machine. It owns the only mutable copy of the session's orchestration state,
// applies events through the pure transition function, persists every applied
// transition, publishes the new state on the observable stream and runs the
// side effects the entered phase implies.
//
// Events for a session are processed strictly in submission order by a single
// goroutine. The only suspension points are the provider call, the command
// pipeline batches and the two timers (closure delay, retry backoff); those
// run as cancelable jobs that feed their outcome back through Submit.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/logging"
	"github.com/badibam/assistant-sub001/machine"
	"github.com/badibam/assistant-sub001/provider"
	"github.com/badibam/assistant-sub001/pubsub"
)

// ErrStopped is returned by Submit after the processor has shut down.
var ErrStopped = errors.New("processor stopped")

// Capabilities bundles the external collaborators a processor drives. Provider,
// Pipeline, Enrichments and Repo are required; the rest are optional.
type Capabilities struct {
	Provider    core.Provider
	Pipeline    core.CommandPipeline
	Enrichments core.EnrichmentLoader
	Repo        core.Repository

	// Reachability, when set, is probed before every provider call and while
	// parked in WAITING_NETWORK.
	Reachability core.ReachabilityChecker

	// Validator, when set, is invoked asynchronously on entering
	// WAITING_VALIDATION; its boolean outcome resolves the wait. Without it
	// the wait is resolved externally through Submit.
	Validator core.Validator

	// Broker, when set, receives a StateUpdate for every applied transition.
	Broker *pubsub.Broker[core.StateUpdate]
}

// Options configures a Processor.
type Options struct {
	// Rules are the machine bounds (retry ceiling, closure delay, backoff).
	Rules machine.Rules

	// InitialState seeds the state instead of a fresh IDLE state, for
	// restoration after a restart.
	InitialState *core.OrchestrationState

	// QueueSize bounds the pending event queue.
	QueueSize int

	// OnTerminal is called once, after the terminal state has been persisted
	// and published. The scheduler uses it to free the active slot.
	OnTerminal func(state core.OrchestrationState)

	// Logger receives transition and anomaly traces. Defaults to NoOp.
	Logger logging.Logger
}

// Processor drives one session. Create with New, feed with Submit, stop with
// Stop. A processor whose session reached CLOSED drains and stops by itself.
type Processor struct {
	session *core.Session
	caps    Capabilities
	rules   machine.Rules
	logger  logging.Logger

	onTerminal func(core.OrchestrationState)

	events chan core.Event
	done   chan struct{}

	mu      sync.Mutex
	state   core.OrchestrationState
	stopped bool

	// extra holds payloads folded into the next provider call. The provider
	// job reads it off the loop goroutine, so it shares the state mutex.
	extra map[string]any

	// loop-owned working set, never touched outside the loop goroutine
	raw    []byte
	parsed core.ParsedResponse

	jobMu     sync.Mutex
	jobCancel context.CancelFunc
	timer     *time.Timer
}

// New creates a processor for the session. Start must be called before Submit.
func New(session *core.Session, caps Capabilities, optFns ...func(o *Options)) *Processor {
	opts := Options{
		Rules:     machine.DefaultRules,
		QueueSize: 64,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	state := core.NewOrchestrationState(session.ID, session.Type)
	if opts.InitialState != nil {
		state = *opts.InitialState
	}

	return &Processor{
		session:    session,
		caps:       caps,
		rules:      opts.Rules,
		logger:     opts.Logger,
		onTerminal: opts.OnTerminal,
		events:     make(chan core.Event, opts.QueueSize),
		done:       make(chan struct{}),
		state:      state,
		extra:      make(map[string]any),
	}
}

// Start launches the event loop. The context bounds every side effect the
// processor runs; canceling it stops the loop after the current event.
func (p *Processor) Start(ctx context.Context) {
	go p.loop(ctx)

	// A restored session may come back in a phase whose side effect or timer
	// must be re-armed deterministically.
	if st := p.State(); st.Active() && st.Phase != core.PhaseIdle {
		go func() {
			select {
			case p.events <- reenterEvent{}:
			case <-p.done:
			}
		}()
	}
}

// Submit enqueues an event for sequential processing.
func (p *Processor) Submit(ev core.Event) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case p.events <- ev:
		return nil
	case <-p.done:
		return ErrStopped
	}
}

// State returns a snapshot of the current orchestration state.
func (p *Processor) State() core.OrchestrationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Session returns the session driven by this processor.
func (p *Processor) Session() *core.Session { return p.session }

// Stop shuts the loop down without closing the session. Pending events are
// dropped.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancelJob()
	p.stopTimer()
	close(p.done)
}

// Done is closed when the loop has exited.
func (p *Processor) Done() <-chan struct{} { return p.done }

// reenterEvent replays the side effect of the current phase after a restart.
// It never reaches the transition function.
type reenterEvent struct{}

func (reenterEvent) Kind() core.EventKind { return "REENTER" }

func (p *Processor) loop(ctx context.Context) {
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			p.Stop()
			return
		case ev := <-p.events:
			if _, ok := ev.(reenterEvent); ok {
				p.enter(ctx, p.state.Phase)
				continue
			}
			p.apply(ctx, ev)
			if p.state.Phase.Terminal() {
				p.Stop()
				return
			}
		}
	}
}

// apply runs one event through the transition function and dispatches the
// entered phase's side effect. Inline effects (enrichments, parsing,
// continuation preparation) recurse into apply with the event they produce,
// which keeps the whole synchronous chain inside one loop iteration.
func (p *Processor) apply(ctx context.Context, ev core.Event) {
	prev := p.state

	next, ok := machine.Next(prev, ev, p.rules)
	if !ok {
		p.logger.Warn("event rejected",
			"session_id", p.session.ID,
			"phase", prev.Phase,
			"event", ev.Kind())
		return
	}

	p.record(ctx, ev)

	// Any phase change invalidates in-flight jobs and timers; pause and
	// termination in particular must cancel before settling.
	p.cancelJob()
	p.stopTimer()

	p.mu.Lock()
	p.state = next
	p.mu.Unlock()

	p.logger.Debug("phase transition",
		"session_id", p.session.ID,
		"from", prev.Phase,
		"to", next.Phase,
		"event", ev.Kind())

	if err := p.persist(ctx, next); err != nil {
		p.logger.Error("state persist failed", "session_id", p.session.ID, "error", err)
		if !next.Phase.Terminal() {
			// One forced closure attempt; if persisting the terminal state
			// fails too, the restart recovers from the last durable phase.
			p.apply(ctx, core.FatalError{Reason: core.EndInterrupted, Cause: "state persist failed"})
			return
		}
	}

	p.publish(next)

	if next.Phase.Terminal() {
		if p.onTerminal != nil {
			p.onTerminal(next)
		}
		return
	}
	if next.Phase == core.PhasePaused {
		return
	}
	p.enter(ctx, next.Phase)
}

// record persists the conversational payload an accepted event carries.
// Rejected events never reach it, so an illegal event cannot touch the
// transcript or the folded payloads.
func (p *Processor) record(ctx context.Context, ev core.Event) {
	switch e := ev.(type) {
	case core.UserMessageSent:
		p.appendMessage(ctx, core.RoleUser, e.Text)
	case core.SessionActivationRequested:
		if e.Prompt != "" {
			p.appendMessage(ctx, core.RoleUser, e.Prompt)
		}
	case core.AIResponseReceived:
		p.raw = e.Raw
		// The folded payload was consumed by the call that produced this
		// response.
		p.clearExtra()
		p.appendMessage(ctx, core.RoleAI, string(e.Raw))
	case core.AIResponseParsed:
		p.parsed = e.Response
	case core.CommunicationResolved:
		p.setExtra("communication_response", e.Payload)
	case core.ValidationResolved:
		if !e.Accepted {
			if vc, ok := p.state.Waiting.(core.ValidationContext); ok && len(vc.PendingActions) > 0 {
				p.appendMessage(ctx, core.RoleSystem,
					fmt.Sprintf("validation rejected: %d pending action(s) cancelled", len(vc.PendingActions)))
			}
		}
	case core.NetworkUnavailable:
		p.logger.Warn("provider unreachable",
			"session_id", p.session.ID,
			"retry_count", p.state.RetryCount,
			"cause", e.Cause)
	}
}

// enter dispatches the side effect of the phase just entered.
func (p *Processor) enter(ctx context.Context, phase core.Phase) {
	switch phase {
	case core.PhaseExecutingEnrichments:
		p.runEnrichments(ctx)

	case core.PhaseCallingAI:
		p.startJob(ctx, p.callProvider)

	case core.PhaseParsing:
		p.parse(ctx)

	case core.PhaseExecutingQueries:
		commands := p.parsed.DataCommands
		p.startJob(ctx, func(jctx context.Context) {
			p.runQueries(jctx, commands)
		})

	case core.PhaseExecutingActions:
		commands := p.actionBatch()
		p.startJob(ctx, func(jctx context.Context) {
			p.runActions(jctx, commands)
		})

	case core.PhaseWaitingValidation:
		if p.caps.Validator != nil {
			req := p.validationRequest()
			p.startJob(ctx, func(jctx context.Context) {
				p.resolveValidation(jctx, req)
			})
		}

	case core.PhaseWaitingCompletion:
		if p.rules.CompletionTimeout > 0 {
			p.armTimer(p.rules.CompletionTimeout, func() {
				if err := p.Submit(core.CompletionConfirmed{}); err != nil {
					p.logger.Debug("completion timer fired after stop", "session_id", p.session.ID)
				}
			})
		}

	case core.PhaseWaitingNetwork:
		p.armTimer(p.rules.RetryBackoff, func() { p.probeNetwork(ctx) })

	case core.PhaseRetrying:
		p.armTimer(p.rules.RetryBackoff, func() {
			if err := p.Submit(core.RetryElapsed{}); err != nil {
				p.logger.Debug("retry timer fired after stop", "session_id", p.session.ID)
			}
		})

	case core.PhasePreparingContinuation:
		p.prepareContinuation(ctx)

	case core.PhaseAwaitingClosure:
		p.armTimer(p.rules.ClosureDelay, func() {
			if err := p.Submit(core.SessionCompleted{}); err != nil {
				p.logger.Debug("closure timer fired after stop", "session_id", p.session.ID)
			}
		})
	}
}

func (p *Processor) runEnrichments(ctx context.Context) {
	prompt := p.promptContext(ctx)
	res, err := p.caps.Enrichments.LoadAndExecute(ctx, prompt)
	if err != nil {
		// Enrichments are best effort: a broken definition set must not block
		// the conversation.
		p.logger.Warn("enrichment load failed", "session_id", p.session.ID, "error", err)
		p.apply(ctx, core.EnrichmentsExecuted{})
		return
	}

	if len(res.DataCommands) > 0 {
		results, err := p.caps.Pipeline.ExecuteQueries(ctx, res.DataCommands)
		if err != nil {
			p.logger.Warn("enrichment queries failed", "session_id", p.session.ID, "error", err)
		} else {
			p.appendResults(ctx, "enrichment results", results)
		}
	}
	if len(res.ActionCommands) > 0 {
		results, err := p.caps.Pipeline.ExecuteActions(ctx, res.ActionCommands)
		if err != nil {
			p.logger.Warn("enrichment actions failed", "session_id", p.session.ID, "error", err)
		} else {
			p.appendFailures(ctx, "enrichment action failed", results)
		}
	}

	p.apply(ctx, core.EnrichmentsExecuted{
		DataCommands:   res.DataCommands,
		ActionCommands: res.ActionCommands,
	})
}

// callProvider is the CALLING_AI job: probe reachability, invoke the provider,
// classify the failure or hand the raw payload to the parse boundary.
func (p *Processor) callProvider(ctx context.Context) {
	if p.caps.Reachability != nil && !p.caps.Reachability.Reachable(ctx) {
		p.submitFromJob(core.NetworkUnavailable{Cause: "reachability probe failed"})
		return
	}

	prompt := p.promptContext(ctx)
	raw, err := p.caps.Provider.Call(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return // canceled by pause or shutdown, no event to emit
		}
		if provider.KindOf(err) == provider.KindAuth {
			p.submitFromJob(core.FatalError{Reason: core.EndAuthFailed, Cause: err.Error()})
			return
		}
		p.submitFromJob(core.NetworkUnavailable{Cause: err.Error()})
		return
	}

	p.submitFromJob(core.AIResponseReceived{Raw: raw})
}

func (p *Processor) parse(ctx context.Context) {
	pr, err := core.ParseResponse(p.raw)
	if err != nil {
		p.logger.Warn("malformed provider response",
			"session_id", p.session.ID,
			"retried", p.state.ParseRetried,
			"error", err)
		if !p.state.ParseRetried {
			p.appendMessage(ctx, core.RoleSystem,
				"previous response could not be parsed: reply with a single valid JSON object")
		}
		p.apply(ctx, core.ParseFailed{Cause: err.Error()})
		return
	}
	p.apply(ctx, core.AIResponseParsed{Response: pr})
}

func (p *Processor) runQueries(ctx context.Context, commands []core.Command) {
	results, err := p.caps.Pipeline.ExecuteQueries(ctx, commands)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.appendMessage(ctx, core.RoleSystem, "query batch failed: "+err.Error())
		results = nil
	}
	p.appendResults(ctx, "query results", results)
	p.submitFromJob(core.QueriesExecuted{Results: results})
}

func (p *Processor) runActions(ctx context.Context, commands []core.Command) {
	results, err := p.caps.Pipeline.ExecuteActions(ctx, commands)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.appendMessage(ctx, core.RoleSystem, "action batch failed: "+err.Error())
		p.submitFromJob(core.ActionsExecuted{})
		return
	}

	p.appendFailures(ctx, "action failed", results)

	completed := false
	for _, r := range results {
		if _, ok := r.Payload.(core.CompletionSignal); ok && r.OK {
			completed = true
			break
		}
	}
	p.submitFromJob(core.ActionsExecuted{Results: results, Completed: completed})
}

func (p *Processor) resolveValidation(ctx context.Context, req core.ValidationRequest) {
	accepted, err := p.caps.Validator.Resolve(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("validation resolution failed", "session_id", p.session.ID, "error", err)
		accepted = false
	}
	p.submitFromJob(core.ValidationResolved{Accepted: accepted})
}

func (p *Processor) probeNetwork(ctx context.Context) {
	if p.caps.Reachability == nil || p.caps.Reachability.Reachable(ctx) {
		if err := p.Submit(core.NetworkAvailable{}); err != nil {
			p.logger.Debug("network probe fired after stop", "session_id", p.session.ID)
		}
		return
	}
	// Still down: keep probing without touching the retry counter.
	p.armTimer(p.rules.RetryBackoff, func() { p.probeNetwork(ctx) })
}

// prepareContinuation injects the guidance message the continuation reason
// calls for, then releases the session back toward the provider.
func (p *Processor) prepareContinuation(ctx context.Context) {
	var guidance string
	switch p.state.ContinuationReason {
	case core.ContinuationCompletionConfirmation:
		guidance = "confirm completion: reply completed=true again to close this automation, or continue working"
	case core.ContinuationNoCommands:
		guidance = "your reply contained no commands and did not complete the run: issue commands or set completed=true"
	default:
		guidance = "continue"
	}
	p.appendMessage(ctx, core.RoleSystem, guidance)
	p.apply(ctx, core.ContinuationReady{})
}

// actionBatch picks the commands to run on entering EXECUTING_ACTIONS: the
// batch approved by a validation when one was pending, the parsed batch
// otherwise. The machine clears the waiting slot on resolution, so the
// approved batch is recorded in the parse result as well.
func (p *Processor) actionBatch() []core.Command {
	return p.parsed.ActionCommands
}

func (p *Processor) validationRequest() core.ValidationRequest {
	if vc, ok := p.State().Waiting.(core.ValidationContext); ok {
		return vc.Request
	}
	if p.parsed.ValidationRequest != nil {
		return *p.parsed.ValidationRequest
	}
	return core.ValidationRequest{}
}

func (p *Processor) promptContext(ctx context.Context) core.PromptContext {
	messages, err := p.caps.Repo.Messages(ctx, p.session.ID)
	if err != nil {
		p.logger.Error("transcript load failed", "session_id", p.session.ID, "error", err)
	}
	var extra map[string]any
	p.mu.Lock()
	if len(p.extra) > 0 {
		extra = make(map[string]any, len(p.extra))
		for k, v := range p.extra {
			extra[k] = v
		}
	}
	p.mu.Unlock()
	return core.PromptContext{
		SessionID:   p.session.ID,
		SessionType: p.session.Type,
		Messages:    messages,
		Extra:       extra,
	}
}

func (p *Processor) setExtra(key string, value any) {
	p.mu.Lock()
	p.extra[key] = value
	p.mu.Unlock()
}

func (p *Processor) clearExtra() {
	p.mu.Lock()
	for k := range p.extra {
		delete(p.extra, k)
	}
	p.mu.Unlock()
}

func (p *Processor) appendMessage(ctx context.Context, role core.Role, content string) {
	if _, err := p.caps.Repo.AppendMessage(ctx, core.NewMessage(p.session.ID, role, content)); err != nil {
		p.logger.Error("message persist failed",
			"session_id", p.session.ID,
			"role", role,
			"error", err)
	}
}

// appendResults folds a result batch into the transcript as a system message
// so the next provider call sees it.
func (p *Processor) appendResults(ctx context.Context, label string, results []core.CommandResult) {
	if len(results) == 0 {
		return
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		p.logger.Error("result encode failed", "session_id", p.session.ID, "error", err)
		return
	}
	p.appendMessage(ctx, core.RoleSystem, label+": "+string(encoded))
}

// appendFailures surfaces failed or skipped commands of a batch; successful
// actions stay out of the transcript.
func (p *Processor) appendFailures(ctx context.Context, label string, results []core.CommandResult) {
	var failed []core.CommandResult
	for _, r := range results {
		if !r.OK {
			failed = append(failed, r)
		}
	}
	p.appendResults(ctx, label, failed)
}

func (p *Processor) persist(ctx context.Context, state core.OrchestrationState) error {
	return p.caps.Repo.SaveState(ctx, state)
}

func (p *Processor) publish(state core.OrchestrationState) {
	if p.caps.Broker == nil {
		return
	}
	p.caps.Broker.Publish(core.StateUpdate{
		SessionID:   state.SessionID,
		SessionType: state.SessionType,
		Phase:       state.Phase,
		EndReason:   state.EndReason,
	})
}

// startJob runs fn on its own goroutine under a cancelable context. At most
// one job is live; starting a new one cancels the previous.
func (p *Processor) startJob(ctx context.Context, fn func(ctx context.Context)) {
	jctx, cancel := context.WithCancel(ctx)
	p.jobMu.Lock()
	if p.jobCancel != nil {
		p.jobCancel()
	}
	p.jobCancel = cancel
	p.jobMu.Unlock()
	go fn(jctx)
}

func (p *Processor) cancelJob() {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()
	if p.jobCancel != nil {
		p.jobCancel()
		p.jobCancel = nil
	}
}

// submitFromJob feeds a job outcome back into the loop, tolerating shutdown.
func (p *Processor) submitFromJob(ev core.Event) {
	if err := p.Submit(ev); err != nil {
		p.logger.Debug("job outcome dropped after stop",
			"session_id", p.session.ID,
			"event", ev.Kind())
	}
}

func (p *Processor) armTimer(d time.Duration, fn func()) {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, fn)
}

func (p *Processor) stopTimer() {
	p.jobMu.Lock()
	defer p.jobMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
