package assistant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/machine"
	"github.com/badibam/assistant-sub001/pipeline"
	"github.com/badibam/assistant-sub001/provider"
)

func fastAssistant(t *testing.T) *Assistant {
	t.Helper()
	a := New(func(o *Options) {
		o.Rules = machine.Rules{
			RetryCeiling: 3,
			ClosureDelay: 20 * time.Millisecond,
			RetryBackoff: 5 * time.Millisecond,
		}
		o.InactivityTimeout = 0
		o.EnrichmentDir = t.TempDir()
	})
	t.Cleanup(a.Close)
	return a
}

func TestAssistant_ChatWithCommandRoundTrip(t *testing.T) {
	a := fastAssistant(t)
	mock := provider.NewMock().
		Respond(`{"data_commands":[{"resource":"clock","operation":"now"}]}`).
		Respond(`{"text":"it is late"}`)
	a.RegisterProvider("mock", mock)
	a.RegisterHandler(pipeline.FuncHandler{Name: "clock", Fn: func(context.Context, string, map[string]any) (any, error) {
		return "23:59", nil
	}})

	ctx := context.Background()
	session, err := a.StartChat(ctx, "")
	require.NoError(t, err)
	require.NoError(t, a.SendMessage(ctx, session.ID, "what time is it?"))

	require.Eventually(t, func() bool {
		st, err := a.State(session.ID)
		return err == nil && st.Phase == core.PhaseIdle && mock.Calls() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAssistant_SeedSpawnsAutomation(t *testing.T) {
	a := fastAssistant(t)
	mock := provider.NewMock().Respond(`{"completed":true}`).Respond(`{"completed":true}`)
	a.RegisterProvider("mock", mock)

	ctx := context.Background()
	seed := core.Seed{
		ID:       core.NewID(),
		Name:     "report",
		Prompt:   "produce the report",
		Schedule: "@daily",
		Enabled:  true,
	}
	require.NoError(t, a.AddSeed(ctx, &seed))

	updates := a.Subscribe(ctx)
	require.NoError(t, a.RunSeedNow(ctx, seed))

	var closed *core.StateUpdate
	deadline := time.After(3 * time.Second)
	for closed == nil {
		select {
		case u := <-updates:
			if u.Payload.Phase == core.PhaseClosed {
				closed = &u.Payload
			}
		case <-deadline:
			t.Fatal("automation never closed")
		}
	}
	assert.Equal(t, core.SessionAutomation, closed.SessionType)
	assert.Equal(t, core.EndCompleted, closed.EndReason)
}
