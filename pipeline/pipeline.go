// Package pipeline implements the default command-execution capability. It
// lets callers register resource handlers (the user-defined data tools) and
// executes parsed `resource.operation` commands against them with schema
// validated parameters, consistent error handling and the cascade semantics
// the orchestration requires: concurrent data queries, strictly ordered
// actions that skip the remainder of the batch on first failure.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/logging"
)

// Handler executes the operations of one named resource.
//
// Handler implementations should:
//   - Provide clear, stable resource names (snake_case recommended)
//   - Validate parameters before acting
//   - Handle errors gracefully and be safe for concurrent query execution
type Handler interface {
	// Resource returns the unique identifier this handler serves.
	Resource() string

	// Execute runs one operation. Query operations may run concurrently
	// with other queries; action operations are serialized by the pipeline.
	Execute(ctx context.Context, operation string, params map[string]any) (any, error)
}

// CommandError describes a failed command with enough structure for system
// messages.
type CommandError struct {
	Command core.Command `json:"command"`
	Message string       `json:"message"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %s", e.Command, e.Message)
}

// Options configures a Pipeline.
type Options struct {
	// MaxConcurrentQueries bounds the parallelism of a query batch.
	MaxConcurrentQueries int

	// Logger receives per-command execution traces. Defaults to NoOp.
	Logger logging.Logger
}

// Pipeline is the default core.CommandPipeline implementation.
type Pipeline struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	maxConcurrentQueries int
	logger               logging.Logger
}

// New constructs an empty pipeline.
func New(optFns ...func(o *Options)) *Pipeline {
	opts := Options{
		MaxConcurrentQueries: 4,
		Logger:               logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Pipeline{
		handlers:             make(map[string]Handler),
		maxConcurrentQueries: opts.MaxConcurrentQueries,
		logger:               opts.Logger,
	}
}

// Register makes a handler available under its resource name. Registering the
// same resource twice replaces the previous handler.
func (p *Pipeline) Register(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[h.Resource()] = h
}

// Handler returns the registered handler for a resource.
func (p *Pipeline) Handler(resource string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[resource]
	return h, ok
}

// ExecuteQueries runs a data-command batch. Queries are independent reads, so
// they run concurrently (bounded); results preserve the input order. A failed
// query is reported in its result slot, it does not abort the batch.
func (p *Pipeline) ExecuteQueries(ctx context.Context, commands []core.Command) ([]core.CommandResult, error) {
	results := make([]core.CommandResult, len(commands))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrentQueries)

	for i, cmd := range commands {
		g.Go(func() error {
			results[i] = p.run(gctx, cmd)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExecuteActions runs an ordered action batch with cascade-on-failure: after
// the first failed action every remaining command is marked Skipped, never
// executed. The failure is surfaced in the result slots, not swallowed.
func (p *Pipeline) ExecuteActions(ctx context.Context, commands []core.Command) ([]core.CommandResult, error) {
	results := make([]core.CommandResult, len(commands))
	failed := false

	for i, cmd := range commands {
		if failed {
			results[i] = core.CommandResult{Command: cmd, Skipped: true}
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = p.run(ctx, cmd)
		if !results[i].OK {
			failed = true
			p.logger.Warn("action batch cascade", "failed", cmd.String(), "skipped", len(commands)-i-1)
		}
	}
	return results, nil
}

func (p *Pipeline) run(ctx context.Context, cmd core.Command) core.CommandResult {
	h, ok := p.Handler(cmd.Resource)
	if !ok {
		err := &CommandError{Command: cmd, Message: "unknown resource"}
		return core.CommandResult{Command: cmd, Err: err.Error()}
	}

	payload, err := h.Execute(ctx, cmd.Operation, cmd.Params)
	if err != nil {
		p.logger.Debug("command failed", "command", cmd.String(), "error", err)
		return core.CommandResult{Command: cmd, Err: (&CommandError{Command: cmd, Message: err.Error()}).Error()}
	}
	return core.CommandResult{Command: cmd, OK: true, Payload: payload}
}

// FuncHandler adapts a function to the Handler interface for simple resources
// and tests.
type FuncHandler struct {
	Name string
	Fn   func(ctx context.Context, operation string, params map[string]any) (any, error)
}

// Resource returns the handler's resource name.
func (f FuncHandler) Resource() string { return f.Name }

// Execute invokes the wrapped function.
func (f FuncHandler) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	return f.Fn(ctx, operation, params)
}
