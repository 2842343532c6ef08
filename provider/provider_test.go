package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/badibam/assistant-sub001/core"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"typed auth", NewError(KindAuth, errors.New("401")), KindAuth},
		{"wrapped rate limit", fmt.Errorf("call: %w", NewError(KindRateLimit, errors.New("429"))), KindRateLimit},
		{"opaque defaults to network", errors.New("connection reset"), KindNetwork},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf: got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(NewError(KindAuth, errors.New("401"))) {
		t.Error("auth failures must be fatal")
	}
	for _, kind := range []ErrorKind{KindNetwork, KindRateLimit, KindMalformed} {
		if !Retryable(NewError(kind, errors.New("x"))) {
			t.Errorf("%s should be retryable", kind)
		}
	}
}

func TestMock_ScriptReplay(t *testing.T) {
	ctx := context.Background()
	m := NewMock().Respond(`{"text":"one"}`).Fail(KindNetwork)

	raw, err := m.Call(ctx, core.PromptContext{SessionID: "s1"})
	if err != nil || string(raw) != `{"text":"one"}` {
		t.Fatalf("first call: %s %v", raw, err)
	}

	// The exhausted script repeats its last entry.
	for i := 0; i < 2; i++ {
		if _, err := m.Call(ctx, core.PromptContext{}); KindOf(err) != KindNetwork {
			t.Fatalf("call %d: expected network failure, got %v", i+2, err)
		}
	}

	if m.Calls() != 3 {
		t.Errorf("calls: %d", m.Calls())
	}
	if p, ok := m.LastPrompt(); !ok || p.SessionID != "" {
		t.Errorf("last prompt: %+v ok=%v", p, ok)
	}
}
