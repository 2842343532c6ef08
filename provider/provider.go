// Package provider defines the typed error taxonomy shared by all AI provider
// adapters plus a scripted mock for tests. Concrete adapters for the official
// Anthropic and OpenAI SDKs live in subpackages.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/badibam/assistant-sub001/core"
)

// ErrorKind classifies provider failures for the orchestration error policy.
type ErrorKind string

const (
	// KindNetwork is a transient connectivity failure; retried with backoff.
	KindNetwork ErrorKind = "NETWORK"
	// KindAuth is an authentication failure; always fatal.
	KindAuth ErrorKind = "AUTH"
	// KindRateLimit is a throttling response; treated as retryable.
	KindRateLimit ErrorKind = "RATE_LIMIT"
	// KindMalformed is an unusable response body; one corrective retry.
	KindMalformed ErrorKind = "MALFORMED"
)

// Error is the typed provider failure consumed by the event processor.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("provider error [%s]: %v", e.Kind, e.Err)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps a cause with a taxonomy kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified errors
// default to KindNetwork: the safe assumption for an opaque transport failure
// is that it is transient.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNetwork
}

// Retryable reports whether the orchestrator may retry the call. Only
// authentication failures are unconditionally fatal; malformed responses are
// handled by the dedicated corrective-retry path.
func Retryable(err error) bool {
	return KindOf(err) != KindAuth
}

// Mock is a scripted in-memory Provider for tests and examples. Responses are
// consumed in order; an exhausted script repeats its last entry.
type Mock struct {
	mu      sync.Mutex
	script  []ScriptStep
	pos     int
	calls   int
	prompts []core.PromptContext
}

// ScriptStep is one scripted outcome: either a raw response or an error.
type ScriptStep struct {
	Response []byte
	Err      error
}

// NewMock creates a mock provider with the given script.
func NewMock(steps ...ScriptStep) *Mock {
	return &Mock{script: steps}
}

// Respond appends a successful raw response to the script.
func (m *Mock) Respond(raw string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, ScriptStep{Response: []byte(raw)})
	return m
}

// Fail appends a typed failure to the script.
func (m *Mock) Fail(kind ErrorKind) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, ScriptStep{Err: NewError(kind, errors.New("scripted failure"))})
	return m
}

// Call implements core.Provider by replaying the script.
func (m *Mock) Call(ctx context.Context, prompt core.PromptContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.prompts = append(m.prompts, prompt)

	if len(m.script) == 0 {
		return []byte(`{"text":"ok"}`), nil
	}
	step := m.script[m.pos]
	if m.pos < len(m.script)-1 {
		m.pos++
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Calls returns how many times the mock was invoked.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastPrompt returns the most recent prompt context, if any.
func (m *Mock) LastPrompt() (core.PromptContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return core.PromptContext{}, false
	}
	return m.prompts[len(m.prompts)-1], true
}
