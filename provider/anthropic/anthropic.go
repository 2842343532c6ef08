// Package anthropic adapts the official Anthropic Messages API to the
// core.Provider capability. SDK failures are translated into the provider
// package's error taxonomy so the orchestrator can apply its retry policy
// without knowing the wire protocol.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/provider"
)

// Options configures the Anthropic adapter (model id, max tokens,
// temperature, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// ModelFor converts a configured model id into the SDK's model type, so
// callers do not need to import the SDK for configuration plumbing.
func ModelFor(id string) anthropic.Model { return anthropic.Model(id) }

// Provider wraps the Anthropic Messages API behind core.Provider.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

// New creates an Anthropic provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Call implements core.Provider. The concatenated text blocks of the reply
// are returned as the raw payload for the parse boundary.
func (p *Provider) Call(ctx context.Context, prompt core.PromptContext) ([]byte, error) {
	params := anthropic.MessageNewParams{
		Model:       p.opts.Model,
		Messages:    buildMessages(prompt.Messages),
		MaxTokens:   p.opts.MaxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if system := extractSystemBlocks(prompt.Messages); len(system) > 0 {
		params.System = system
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return nil, provider.NewError(provider.KindMalformed, fmt.Errorf("empty response body"))
	}
	return []byte(sb.String()), nil
}

// buildMessages converts the session transcript to Anthropic message params.
// System messages are handled separately.
func buildMessages(messages []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case core.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case core.RoleAI:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func extractSystemBlocks(messages []core.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range messages {
		if m.Role == core.RoleSystem && m.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
}

// classify maps SDK errors onto the orchestration error taxonomy.
func classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return provider.NewError(provider.KindAuth, err)
		case 429:
			return provider.NewError(provider.KindRateLimit, err)
		case 400, 422:
			return provider.NewError(provider.KindMalformed, err)
		default:
			return provider.NewError(provider.KindNetwork, err)
		}
	}
	return provider.NewError(provider.KindNetwork, err)
}
