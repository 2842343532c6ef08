// Package openai adapts the OpenAI Chat Completions API to the core.Provider
// capability, translating SDK failures into the provider error taxonomy.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/provider"
)

// Options configure the OpenAI adapter. Fields mirror a minimal subset of
// Chat Completion parameters; extend via functional options without breaking
// callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Provider wraps the OpenAI Chat Completions API behind core.Provider.
type Provider struct {
	client *openai.Client
	opts   Options
}

// New creates an OpenAI provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Call implements core.Provider.
func (p *Provider) Call(ctx context.Context, prompt core.PromptContext) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model:               p.opts.Model,
		Messages:            buildMessages(prompt.Messages),
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(p.opts.MaxCompletionTokens),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, provider.NewError(provider.KindMalformed, fmt.Errorf("empty response body"))
	}
	return []byte(resp.Choices[0].Message.Content), nil
}

func buildMessages(messages []core.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case core.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case core.RoleAI:
			out = append(out, openai.AssistantMessage(m.Content))
		}
	}
	return out
}

// classify maps SDK errors onto the orchestration error taxonomy.
func classify(err error) error {
	var apierr *openai.Error
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
