// Package assistant provides a high-level façade over the session
// orchestration engine (phase machine, event processor, single-slot
// scheduler) enabling rapid construction of AI-assistant hosts. Most
// applications interact with this package by:
//  1. Creating an Assistant via New() (optionally overriding default
//     in-memory services)
//  2. Registering one or more AI providers and command handlers
//  3. Starting chats, spawning automations and observing the state stream
//
// The façade delegates orchestration to orchestrator.Orchestrator while
// keeping setup and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply the sqlite
// repository and a structured logger.
package assistant

import (
	"context"
	"time"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/enrichment"
	"github.com/badibam/assistant-sub001/logging"
	"github.com/badibam/assistant-sub001/machine"
	"github.com/badibam/assistant-sub001/orchestrator"
	"github.com/badibam/assistant-sub001/pipeline"
	"github.com/badibam/assistant-sub001/pubsub"
	"github.com/badibam/assistant-sub001/repository"
	"github.com/badibam/assistant-sub001/scheduler"
)

// Options configures the Assistant instance.
type Options struct {
	// Rules are the machine bounds (retry ceiling, closure delay, backoff).
	Rules machine.Rules

	// InactivityTimeout auto-closes idle chat sessions.
	InactivityTimeout time.Duration

	// Repository persists sessions, states, messages and seeds. Defaults to
	// an in-memory store.
	Repository core.Repository

	// EnrichmentDir locates the YAML enrichment definitions. Ignored when
	// Enrichments is set.
	EnrichmentDir string

	// Enrichments overrides the enrichment capability.
	Enrichments core.EnrichmentLoader

	// Reachability gates provider calls on a connectivity probe.
	Reachability core.ReachabilityChecker

	// Validator resolves validation requests without an explicit
	// ResolveValidation call.
	Validator core.Validator

	// DefaultProviderID selects the provider used when a session does not
	// name one. Defaults to the first registered provider.
	DefaultProviderID string

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Assistant is the high-level façade aggregating the orchestrator, the
// command pipeline and the seed runner.
type Assistant struct {
	orch  *orchestrator.Orchestrator
	pipe  *pipeline.Pipeline
	seeds *scheduler.SeedRunner
	repo  core.Repository
}

// New creates an Assistant with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Assistant {
	opts := Options{
		Rules:             machine.DefaultRules,
		InactivityTimeout: 10 * time.Minute,
		Repository:        repository.NewInMemoryStore(),
		EnrichmentDir:     "enrichments",
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Enrichments == nil {
		opts.Enrichments = enrichment.NewLoader(opts.EnrichmentDir, func(eo *enrichment.Options) {
			eo.Logger = opts.Logger
		})
	}

	pipe := pipeline.New(func(po *pipeline.Options) {
		po.Logger = opts.Logger
	})

	orch := orchestrator.New(opts.Repository, pipe, opts.Enrichments, func(oo *orchestrator.Options) {
		oo.Rules = opts.Rules
		oo.InactivityTimeout = opts.InactivityTimeout
		oo.Reachability = opts.Reachability
		oo.Validator = opts.Validator
		oo.DefaultProviderID = opts.DefaultProviderID
		oo.Logger = opts.Logger
	})

	a := &Assistant{
		orch: orch,
		pipe: pipe,
		repo: opts.Repository,
	}
	a.seeds = scheduler.NewSeedRunner(opts.Repository, orch, func(so *scheduler.SeedRunnerOptions) {
		so.Logger = opts.Logger
	})
	return a
}

// RegisterProvider adds an AI provider under an identifier.
func (a *Assistant) RegisterProvider(id string, p core.Provider) {
	a.orch.RegisterProvider(id, p)
}

// RegisterHandler adds a command handler for a resource.
func (a *Assistant) RegisterHandler(h pipeline.Handler) {
	a.pipe.Register(h)
}

// StartChat opens an interactive session. An empty provider id selects the
// default provider.
func (a *Assistant) StartChat(ctx context.Context, providerID string) (*core.Session, error) {
	return a.orch.StartChat(ctx, providerID)
}

// SendMessage feeds a user turn into a chat session.
func (a *Assistant) SendMessage(ctx context.Context, sessionID, text string) error {
	return a.orch.SendMessage(ctx, sessionID, text)
}

// AddSeed persists an automation template and reconciles the cron schedules.
func (a *Assistant) AddSeed(ctx context.Context, seed *core.Seed) error {
	if err := a.repo.SaveSeed(ctx, seed); err != nil {
		return err
	}
	return a.seeds.Reload(ctx)
}

// RunSeedNow spawns an automation run from a seed immediately, outside its
// schedule.
func (a *Assistant) RunSeedNow(ctx context.Context, seed core.Seed) error {
	return a.orch.SpawnAutomation(ctx, seed, time.Now())
}

// StartSeeds begins cron-driven spawning of enabled seeds.
func (a *Assistant) StartSeeds(ctx context.Context) error {
	return a.seeds.Start(ctx)
}

// Pause suspends a session.
func (a *Assistant) Pause(ctx context.Context, sessionID string) error {
	return a.orch.Pause(ctx, sessionID)
}

// Resume continues a paused session.
func (a *Assistant) Resume(ctx context.Context, sessionID string) error {
	return a.orch.Resume(ctx, sessionID)
}

// Interrupt force-closes a session.
func (a *Assistant) Interrupt(ctx context.Context, sessionID string) error {
	return a.orch.Interrupt(ctx, sessionID)
}

// ResolveValidation answers a pending validation request.
func (a *Assistant) ResolveValidation(ctx context.Context, sessionID string, accepted bool) error {
	return a.orch.ResolveValidation(ctx, sessionID, accepted)
}

// ResolveCommunication answers a pending communication module.
func (a *Assistant) ResolveCommunication(ctx context.Context, sessionID string, payload map[string]any) error {
	return a.orch.ResolveCommunication(ctx, sessionID, payload)
}

// ConfirmCompletion resolves a pipeline-forwarded completion condition.
func (a *Assistant) ConfirmCompletion(ctx context.Context, sessionID string) error {
	return a.orch.ConfirmCompletion(ctx, sessionID)
}

// State returns the orchestration state of a driven session.
func (a *Assistant) State(sessionID string) (core.OrchestrationState, error) {
	return a.orch.State(sessionID)
}

// Subscribe returns the push stream of orchestration state updates.
func (a *Assistant) Subscribe(ctx context.Context) <-chan pubsub.Update[core.StateUpdate] {
	return a.orch.Subscribe(ctx)
}

// RestoreSession reattaches a persisted session after a restart.
func (a *Assistant) RestoreSession(ctx context.Context, sessionID string) error {
	return a.orch.RestoreSession(ctx, sessionID)
}

// Close shuts the assistant down: seeds stop firing, processors stop, the
// state stream closes.
func (a *Assistant) Close() {
	a.seeds.Stop()
	a.orch.Close()
}
