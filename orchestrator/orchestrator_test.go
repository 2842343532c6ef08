package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/enrichment"
	"github.com/badibam/assistant-sub001/machine"
	"github.com/badibam/assistant-sub001/pipeline"
	"github.com/badibam/assistant-sub001/provider"
	"github.com/badibam/assistant-sub001/repository"
)

var fastRules = machine.Rules{
	RetryCeiling: 3,
	ClosureDelay: 20 * time.Millisecond,
	RetryBackoff: 5 * time.Millisecond,
}

func newOrchestrator(t *testing.T, optFns ...func(o *Options)) (*Orchestrator, *repository.InMemoryStore, *pipeline.Pipeline) {
	t.Helper()
	repo := repository.NewInMemoryStore()
	pipe := pipeline.New()
	loader := enrichment.NewLoader(t.TempDir())

	o := New(repo, pipe, loader, append([]func(o *Options){func(o *Options) {
		o.Rules = fastRules
		o.InactivityTimeout = 0
	}}, optFns...)...)
	t.Cleanup(o.Close)
	return o, repo, pipe
}

func waitClosed(t *testing.T, repo *repository.InMemoryStore, sessionID string, want core.EndReason) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, found, err := repo.LoadState(context.Background(), sessionID)
		return err == nil && found && state.Phase == core.PhaseClosed && state.EndReason == want
	}, 3*time.Second, 5*time.Millisecond, "session %s never closed with %s", sessionID, want)
}

func TestOrchestrator_ChatRoundTrip(t *testing.T) {
	o, repo, _ := newOrchestrator(t)
	mock := provider.NewMock().Respond(`{"text":"hello"}`)
	o.RegisterProvider("mock", mock)

	session, err := o.StartChat(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, o.SendMessage(context.Background(), session.ID, "hi"))
	require.Eventually(t, func() bool {
		st, err := o.State(session.ID)
		return err == nil && st.Phase == core.PhaseIdle && mock.Calls() == 1
	}, 2*time.Second, 5*time.Millisecond)

	messages, err := repo.Messages(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestOrchestrator_UnknownProvider(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	_, err := o.StartChat(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestOrchestrator_UnknownSession(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	o.RegisterProvider("mock", provider.NewMock())
	err := o.SendMessage(context.Background(), "ghost", "hi")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestOrchestrator_ResolutionRequiresMatchingWait(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	o.RegisterProvider("mock", provider.NewMock())

	session, err := o.StartChat(context.Background(), "mock")
	require.NoError(t, err)

	assert.ErrorIs(t, o.ResolveValidation(context.Background(), session.ID, true), ErrNotWaiting)
	assert.ErrorIs(t, o.ConfirmCompletion(context.Background(), session.ID), ErrNotWaiting)
}

func TestOrchestrator_ValidationResolvedThroughFacade(t *testing.T) {
	o, repo, pipe := newOrchestrator(t)
	mock := provider.NewMock().
		Respond(`{"validation_request":{"prompt":"wipe it?"},"action_commands":[{"resource":"tracker","operation":"wipe"}]}`)
	o.RegisterProvider("mock", mock)

	executed := make(chan struct{}, 1)
	pipe.Register(pipeline.FuncHandler{Name: "tracker", Fn: func(context.Context, string, map[string]any) (any, error) {
		executed <- struct{}{}
		return nil, nil
	}})

	session, err := o.StartChat(context.Background(), "mock")
	require.NoError(t, err)
	require.NoError(t, o.SendMessage(context.Background(), session.ID, "wipe my data"))

	require.Eventually(t, func() bool {
		st, err := o.State(session.ID)
		return err == nil && st.Phase == core.PhaseWaitingValidation
	}, 2*time.Second, 5*time.Millisecond)

	// The waiting context carries the request for the presentation layer.
	st, err := o.State(session.ID)
	require.NoError(t, err)
	vc, ok := st.Waiting.(core.ValidationContext)
	require.True(t, ok)
	assert.Equal(t, "wipe it?", vc.Request.Prompt)

	mock.Respond(`{"text":"done"}`)
	require.NoError(t, o.ResolveValidation(context.Background(), session.ID, true))

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("approved action never ran")
	}
	_ = repo
}

func TestOrchestrator_InactivityClosesChat(t *testing.T) {
	o, repo, _ := newOrchestrator(t, func(opt *Options) {
		opt.InactivityTimeout = 30 * time.Millisecond
	})
	o.RegisterProvider("mock", provider.NewMock())

	session, err := o.StartChat(context.Background(), "mock")
	require.NoError(t, err)

	waitClosed(t, repo, session.ID, core.EndInactivity)
}

func TestOrchestrator_InactivitySparesWaitingChat(t *testing.T) {
	o, _, _ := newOrchestrator(t, func(opt *Options) {
		opt.InactivityTimeout = 30 * time.Millisecond
	})
	mock := provider.NewMock().
		Respond(`{"validation_request":{"prompt":"wipe it?"},"action_commands":[{"resource":"tracker","operation":"wipe"}]}`)
	o.RegisterProvider("mock", mock)

	session, err := o.StartChat(context.Background(), "mock")
	require.NoError(t, err)
	require.NoError(t, o.SendMessage(context.Background(), session.ID, "wipe my data"))

	require.Eventually(t, func() bool {
		st, err := o.State(session.ID)
		return err == nil && st.Phase == core.PhaseWaitingValidation
	}, 2*time.Second, 5*time.Millisecond)

	// Well past the timeout: a chat blocked on the user is not idle and must
	// keep waiting.
	time.Sleep(150 * time.Millisecond)
	st, err := o.State(session.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PhaseWaitingValidation, st.Phase)
	assert.Empty(t, st.EndReason)
}

// gateProvider blocks each call until the test releases it, so tests can
// observe which sessions have a provider call in flight.
type gateProvider struct {
	calls atomic.Int32
	gate  chan []byte
}

func newGateProvider() *gateProvider { return &gateProvider{gate: make(chan []byte)} }

func (g *gateProvider) Call(ctx context.Context, _ core.PromptContext) ([]byte, error) {
	g.calls.Add(1)
	select {
	case raw := <-g.gate:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestOrchestrator_RestoredActivePhasesShareOneSlot(t *testing.T) {
	o, repo, _ := newOrchestrator(t)
	provA, provB := newGateProvider(), newGateProvider()
	o.RegisterProvider("prov-a", provA)
	o.RegisterProvider("prov-b", provB)

	ctx := context.Background()
	first := core.NewChatSession("prov-a")
	second := core.NewChatSession("prov-b")
	for _, s := range []*core.Session{first, second} {
		require.NoError(t, repo.SaveSession(ctx, s))
		st := core.NewOrchestrationState(s.ID, core.SessionChat)
		st.Phase = core.PhaseCallingAI
		require.NoError(t, repo.SaveState(ctx, st))
	}

	require.NoError(t, o.RestoreSession(ctx, first.ID))
	require.NoError(t, o.RestoreSession(ctx, second.ID))

	// Only the slot holder resumes its provider call; the other stays parked
	// at its recorded phase.
	require.Eventually(t, func() bool { return provA.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, provB.calls.Load())
	st, err := o.State(second.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PhasePaused, st.Phase)
	assert.Equal(t, core.PhaseCallingAI, st.PhaseBeforePause)
	assert.Equal(t, 1, o.Scheduler().QueueLen())

	provA.gate <- []byte(`{"text":"resumed"}`)
	require.Eventually(t, func() bool {
		s, err := o.State(first.ID)
		return err == nil && s.Phase == core.PhaseIdle
	}, 2*time.Second, 5*time.Millisecond)

	// Closing the holder hands the slot over; the second session resumes its
	// interrupted call.
	require.NoError(t, o.Interrupt(ctx, first.ID))
	require.Eventually(t, func() bool { return provB.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	provB.gate <- []byte(`{"text":"resumed"}`)
	require.Eventually(t, func() bool {
		s, err := o.State(second.ID)
		return err == nil && s.Phase == core.PhaseIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_ChatPreemptsRunningAutomation(t *testing.T) {
	// Scenario: a chat arrives while an automation owns the slot. The
	// automation is paused mid-run, the chat served, and on chat closure the
	// automation resumes from its recorded phase and runs to completion.
	o, repo, pipe := newOrchestrator(t)

	autoMock := provider.NewMock().
		Respond(`{"action_commands":[{"resource":"slow","operation":"work"}]}`).
		Respond(`{"completed":true}`)
	chatMock := provider.NewMock().Respond(`{"completed":true}`)
	o.RegisterProvider("auto-prov", autoMock)
	o.RegisterProvider("chat-prov", chatMock)

	pipe.Register(pipeline.FuncHandler{Name: "slow", Fn: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})

	ctx := context.Background()
	seed := core.Seed{ID: "seed-1", Name: "nightly", Prompt: "do the work", ProviderID: "auto-prov", Enabled: true}
	require.NoError(t, o.SpawnAutomation(ctx, seed, time.Now()))

	// Wait until the automation is inside its action batch, then preempt.
	autoID, ok := o.Scheduler().Active()
	require.True(t, ok)
	require.Eventually(t, func() bool {
		st, err := o.State(autoID)
		return err == nil && st.Phase == core.PhaseExecutingActions
	}, 2*time.Second, 5*time.Millisecond)

	chat, err := o.StartChat(ctx, "chat-prov")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := o.State(autoID)
		return err == nil && st.Phase == core.PhasePaused && st.PhaseBeforePause == core.PhaseExecutingActions
	}, 2*time.Second, 5*time.Millisecond, "automation must pause where it was")

	// The chat completes immediately (completed=true closes a chat directly).
	require.NoError(t, o.SendMessage(ctx, chat.ID, "quick question"))
	waitClosed(t, repo, chat.ID, core.EndCompleted)

	// Freed slot: the automation resumes, re-runs its batch and closes after
	// the double completion confirmation.
	waitClosed(t, repo, autoID, core.EndCompleted)
	assert.GreaterOrEqual(t, autoMock.Calls(), 3)
}

func TestOrchestrator_RestoreSessionFromRepository(t *testing.T) {
	o, repo, _ := newOrchestrator(t)
	o.RegisterProvider("mock", provider.NewMock().Respond(`{"text":"back"}`))

	session := core.NewChatSession("mock")
	require.NoError(t, repo.SaveSession(context.Background(), session))
	require.NoError(t, repo.SaveState(context.Background(), core.OrchestrationState{
		SessionID:        session.ID,
		SessionType:      core.SessionChat,
		Phase:            core.PhasePaused,
		PhaseBeforePause: core.PhaseIdle,
	}))

	require.NoError(t, o.RestoreSession(context.Background(), session.ID))
	st, err := o.State(session.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PhasePaused, st.Phase)

	require.NoError(t, o.Resume(context.Background(), session.ID))
	require.Eventually(t, func() bool {
		st, err := o.State(session.ID)
		return err == nil && st.Phase == core.PhaseIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_RestoreSkipsClosedSessions(t *testing.T) {
	o, repo, _ := newOrchestrator(t)
	o.RegisterProvider("mock", provider.NewMock())

	session := core.NewChatSession("mock")
	require.NoError(t, repo.SaveSession(context.Background(), session))
	require.NoError(t, repo.SaveState(context.Background(), core.OrchestrationState{
		SessionID:   session.ID,
		SessionType: core.SessionChat,
		Phase:       core.PhaseClosed,
		EndReason:   core.EndCompleted,
	}))

	require.NoError(t, o.RestoreSession(context.Background(), session.ID))
	_, err := o.State(session.ID)
	assert.ErrorIs(t, err, ErrUnknownSession)
}
