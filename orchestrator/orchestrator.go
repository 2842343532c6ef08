// Package orchestrator is the facade of the session engine. It owns the
// capability registry built at startup (providers, pipeline, enrichments,
// repository), the per-session processors, the single-slot scheduler and the
// observable state stream, and exposes the narrow operation surface consumed
// by hosts: start chats, send messages, spawn automations, pause, resume,
// interrupt, resolve waits, observe.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/logging"
	"github.com/badibam/assistant-sub001/machine"
	"github.com/badibam/assistant-sub001/processor"
	"github.com/badibam/assistant-sub001/pubsub"
	"github.com/badibam/assistant-sub001/scheduler"
)

var (
	// ErrUnknownSession is returned for operations on sessions the
	// orchestrator is not driving.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnknownProvider is returned when a session names a provider absent
	// from the registry.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNotWaiting is returned when a resolution arrives for a session that
	// is not blocked on the matching wait.
	ErrNotWaiting = errors.New("session is not waiting on this resolution")
)

// Options configures an Orchestrator.
type Options struct {
	// Rules are the machine bounds applied to every session.
	Rules machine.Rules

	// InactivityTimeout auto-closes idle chat sessions. Zero disables it.
	InactivityTimeout time.Duration

	// DefaultProviderID is used when a session does not name a provider.
	DefaultProviderID string

	// Reachability, when set, gates provider calls on a connectivity probe.
	Reachability core.ReachabilityChecker

	// Validator, when set, resolves validation requests without an explicit
	// ResolveValidation call.
	Validator core.Validator

	// Logger receives orchestration traces. Defaults to NoOp.
	Logger logging.Logger
}

// Orchestrator coordinates sessions end to end. Construct with New, register
// providers, then drive it through the operation surface. It implements
// scheduler.Controller and scheduler.Spawner.
type Orchestrator struct {
	repo        core.Repository
	pipeline    core.CommandPipeline
	enrichments core.EnrichmentLoader
	rules       machine.Rules
	logger      logging.Logger

	reachability core.ReachabilityChecker
	validator    core.Validator

	broker *pubsub.Broker[core.StateUpdate]
	sched  *scheduler.Scheduler

	mu                sync.RWMutex
	providers         map[string]core.Provider
	defaultProviderID string
	procs             map[string]*processor.Processor
	pendingPrompts    map[string]string
	closed            bool
}

// New builds an orchestrator over its required capabilities.
func New(repo core.Repository, pipe core.CommandPipeline, enrichments core.EnrichmentLoader, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Rules:             machine.DefaultRules,
		InactivityTimeout: 10 * time.Minute,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	o := &Orchestrator{
		repo:              repo,
		pipeline:          pipe,
		enrichments:       enrichments,
		rules:             opts.Rules,
		logger:            opts.Logger,
		reachability:      opts.Reachability,
		validator:         opts.Validator,
		broker:            pubsub.NewBroker[core.StateUpdate](),
		providers:         make(map[string]core.Provider),
		defaultProviderID: opts.DefaultProviderID,
		procs:             make(map[string]*processor.Processor),
		pendingPrompts:    make(map[string]string),
	}
	o.sched = scheduler.New(o, func(so *scheduler.Options) {
		so.InactivityTimeout = opts.InactivityTimeout
		so.Logger = opts.Logger
	})
	return o
}

// RegisterProvider adds a provider implementation under an identifier. The
// registry is fixed at startup; registering after sessions started is racy by
// contract, not by enforcement.
func (o *Orchestrator) RegisterProvider(id string, p core.Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers[id] = p
	if o.defaultProviderID == "" {
		o.defaultProviderID = id
	}
}

// StartChat creates a chat session and requests the active slot for it. The
// returned session is persisted regardless of whether the slot was granted or
// the request queued.
func (o *Orchestrator) StartChat(ctx context.Context, providerID string) (*core.Session, error) {
	if providerID == "" {
		providerID = o.defaultProvider()
	}
	if _, err := o.provider(providerID); err != nil {
		return nil, err
	}

	session := core.NewChatSession(providerID)
	if err := o.repo.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	if _, err := o.sched.RequestActivation(ctx, scheduler.Request{
		SessionID: session.ID,
		Type:      core.SessionChat,
	}); err != nil {
		return nil, err
	}
	return session, nil
}

// SendMessage feeds a user turn into a chat session and refreshes its
// inactivity countdown.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text string) error {
	p, err := o.proc(sessionID)
	if err != nil {
		return err
	}
	o.sched.NoteActivity(ctx, sessionID)
	return p.Submit(core.UserMessageSent{Text: text})
}

// SpawnAutomation creates an automation run from a seed and requests the slot
// for it. Implements scheduler.Spawner so a cron-driven seed runner can feed
// the orchestrator directly.
func (o *Orchestrator) SpawnAutomation(ctx context.Context, seed core.Seed, scheduledAt time.Time) error {
	providerID := seed.ProviderID
	if providerID == "" {
		providerID = o.defaultProvider()
	}
	if _, err := o.provider(providerID); err != nil {
		return err
	}

	session := core.NewAutomationSession(seed.ID, providerID, scheduledAt)
	if err := o.repo.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	o.mu.Lock()
	o.pendingPrompts[session.ID] = seed.Prompt
	o.mu.Unlock()

	_, err := o.sched.RequestActivation(ctx, scheduler.Request{
		SessionID:              session.ID,
		Type:                   core.SessionAutomation,
		ScheduledExecutionTime: session.ScheduledExecutionTime,
	})
	return err
}

// Pause suspends a session, canceling any in-flight work.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) error {
	p, err := o.proc(sessionID)
	if err != nil {
		return err
	}
	return p.Submit(core.SessionPaused{})
}

// Resume continues a paused session from the phase it was suspended in.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	p, err := o.proc(sessionID)
	if err != nil {
		return err
	}
	return p.Submit(core.SessionResumed{})
}

// Interrupt force-closes a session with the INTERRUPTED end reason.
func (o *Orchestrator) Interrupt(ctx context.Context, sessionID string) error {
	p, err := o.proc(sessionID)
	if err != nil {
		return err
	}
	return p.Submit(core.SessionInterrupted{})
}

// ResolveValidation answers a pending validation request.
func (o *Orchestrator) ResolveValidation(ctx context.Context, sessionID string, accepted bool) error {
	p, err := o.proc(sessionID)
	if err != nil {
		return err
	}
	if p.State().Phase != core.PhaseWaitingValidation {
		return ErrNotWaiting
	}
	return p.Submit(core.ValidationResolved{Accepted: accepted})
}

// ResolveCommunication answers a pending communication module; the payload is
// folded into the next provider request.
func (o *Orchestrator) ResolveCommunication(ctx context.Context, sessionID string, payload map[string]any) error {
	p, err := o.proc(sessionID)
	if err != nil {
		return err
	}
	if p.State().Phase != core.PhaseWaitingCommunication {
		return ErrNotWaiting
	}
	return p.Submit(core.CommunicationResolved{Payload: payload})
}

// ConfirmCompletion resolves a completion condition forwarded by the command
// pipeline.
func (o *Orchestrator) ConfirmCompletion(ctx context.Context, sessionID string) error {
	p, err := o.proc(sessionID)
	if err != nil {
		return err
	}
	if p.State().Phase != core.PhaseWaitingCompletion {
		return ErrNotWaiting
	}
	return p.Submit(core.CompletionConfirmed{})
}

// State returns the current orchestration state of a driven session.
func (o *Orchestrator) State(sessionID string) (core.OrchestrationState, error) {
	p, err := o.proc(sessionID)
	if err != nil {
		return core.OrchestrationState{}, err
	}
	return p.State(), nil
}

// Subscribe returns the push stream of orchestration state updates.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan pubsub.Update[core.StateUpdate] {
	return o.broker.Subscribe(ctx)
}

// RestoreSession reattaches a processor to a session found in the repository,
// seeding it with the last persisted orchestration state. Used on host
// restart. A session persisted mid-phase is parked as paused and queued with
// the scheduler; when the slot is granted again it resumes from the recorded
// phase. Sessions the user paused before the restart stay paused and do not
// request the slot.
func (o *Orchestrator) RestoreSession(ctx context.Context, sessionID string) error {
	session, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	state, found, err := o.repo.LoadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		state = core.NewOrchestrationState(session.ID, session.Type)
	}
	if state.Phase.Terminal() {
		return nil
	}

	requestSlot := state.Phase != core.PhasePaused
	if state.Active() && state.Phase != core.PhaseIdle {
		state.PhaseBeforePause = state.Phase
		state.Phase = core.PhasePaused
		if err := o.repo.SaveState(ctx, state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}

	if _, err := o.spawnProcessor(ctx, session, &state); err != nil {
		return err
	}
	if !requestSlot {
		return nil
	}
	_, err = o.sched.RequestActivation(ctx, scheduler.Request{
		SessionID:              session.ID,
		Type:                   session.Type,
		ScheduledExecutionTime: session.ScheduledExecutionTime,
	})
	return err
}

// Close shuts the orchestrator down: every live processor stops, the stream
// closes. Sessions are left in their last persisted state for restoration.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	procs := make([]*processor.Processor, 0, len(o.procs))
	for _, p := range o.procs {
		procs = append(procs, p)
	}
	o.mu.Unlock()

	for _, p := range procs {
		p.Stop()
	}
	o.broker.Close()
}

// Activate implements scheduler.Controller: spin up (or reuse) the session's
// processor and, for automation runs, inject the seed prompt as the opening
// turn.
func (o *Orchestrator) Activate(ctx context.Context, sessionID string) error {
	o.mu.RLock()
	p, ok := o.procs[sessionID]
	o.mu.RUnlock()

	if !ok {
		session, err := o.repo.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		p, err = o.spawnProcessor(ctx, session, nil)
		if err != nil {
			return err
		}
	}

	// A restored session parks as paused until the slot is granted; resuming
	// re-enters the phase it was persisted in.
	if p.State().Phase == core.PhasePaused {
		return p.Submit(core.SessionResumed{})
	}

	if p.Session().Type == core.SessionAutomation {
		o.mu.Lock()
		prompt, pending := o.pendingPrompts[sessionID]
		delete(o.pendingPrompts, sessionID)
		o.mu.Unlock()
		if pending {
			return p.Submit(core.SessionActivationRequested{Prompt: prompt})
		}
	}
	return nil
}

// Suspend implements scheduler.Controller.
func (o *Orchestrator) Suspend(ctx context.Context, sessionID string) error {
	return o.Pause(ctx, sessionID)
}

// CloseInactive implements scheduler.Controller: terminate an idle chat with
// the INACTIVITY end reason. A chat that is mid-phase, waiting phases
// included, reports ErrNotIdle so the scheduler re-arms the countdown.
func (o *Orchestrator) CloseInactive(ctx context.Context, sessionID string) error {
	p, err := o.proc(sessionID)
	if err != nil {
		return err
	}
	if p.State().Phase != core.PhaseIdle {
		return scheduler.ErrNotIdle
	}
	return p.Submit(core.FatalError{Reason: core.EndInactivity, Cause: "chat idle past timeout"})
}

// Scheduler exposes the slot arbiter, mainly for hosts that surface queue
// information.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

func (o *Orchestrator) spawnProcessor(ctx context.Context, session *core.Session, initial *core.OrchestrationState) (*processor.Processor, error) {
	prov, err := o.provider(session.ProviderID)
	if err != nil {
		return nil, err
	}

	caps := processor.Capabilities{
		Provider:     prov,
		Pipeline:     o.pipeline,
		Enrichments:  o.enrichments,
		Repo:         o.repo,
		Reachability: o.reachability,
		Validator:    o.validator,
		Broker:       o.broker,
	}

	p := processor.New(session, caps, func(po *processor.Options) {
		po.Rules = o.rules
		po.Logger = o.logger
		po.InitialState = initial
		po.OnTerminal = func(state core.OrchestrationState) {
			o.onTerminal(state)
		}
	})

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("orchestrator closed")
	}
	if existing, ok := o.procs[session.ID]; ok {
		o.mu.Unlock()
		return existing, nil
	}
	o.procs[session.ID] = p
	o.mu.Unlock()

	p.Start(ctx)
	return p, nil
}

// onTerminal detaches a closed session and hands its slot to the next one.
func (o *Orchestrator) onTerminal(state core.OrchestrationState) {
	o.mu.Lock()
	delete(o.procs, state.SessionID)
	delete(o.pendingPrompts, state.SessionID)
	o.mu.Unlock()

	o.logger.Info("session closed",
		"session_id", state.SessionID,
		"end_reason", state.EndReason)

	// Slot handoff happens on its own goroutine: the terminal hook runs on
	// the processor loop, and activating the next session may synchronously
	// re-enter the orchestrator.
	go func() {
		if err := o.sched.ReleaseSlot(context.Background(), state.SessionID); err != nil {
			o.logger.Error("slot release failed", "session_id", state.SessionID, "error", err)
		}
	}()
}

func (o *Orchestrator) proc(sessionID string) (*processor.Processor, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.procs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return p, nil
}

func (o *Orchestrator) provider(id string) (core.Provider, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if id == "" {
		id = o.defaultProviderID
	}
	p, ok := o.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

func (o *Orchestrator) defaultProvider() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaultProviderID
}
