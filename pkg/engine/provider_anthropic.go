package engine

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider runs turns against Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) buildParams(spec ModelSpec, msgs []Message) anthropic.MessageNewParams {
	anthropicMessages := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "assistant":
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(spec.Model),
		Messages:  anthropicMessages,
		MaxTokens: int64(spec.MaxTokens),
	}
	if spec.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: spec.SystemPrompt},
		}
	}
	if spec.Temperature > 0 {
		params.Temperature = anthropic.Float(spec.Temperature)
	}
	return params
}

// Complete runs one blocking completion
func (p *AnthropicProvider) Complete(ctx context.Context, spec ModelSpec, msgs []Message) (*Response, error) {
	response, err := p.client.Messages.New(ctx, p.buildParams(spec, msgs))
	if err != nil {
		return nil, err
	}

	content := ""
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += b.Text
		}
	}

	return &Response{
		Content: content,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// Stream runs one streaming completion
func (p *AnthropicProvider) Stream(ctx context.Context, spec ModelSpec, msgs []Message) (<-chan Event, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(spec, msgs))

	out := make(chan Event)
	go func() {
		defer close(out)

		message := anthropic.Message{}
		content := ""

		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				out <- Event{Kind: EventError, Err: err.Error()}
				return
			}

			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block, ok := eventVariant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					select {
					case out <- Event{Kind: EventToolUse, Tool: block.Name}:
					case <-ctx.Done():
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok {
					content += delta.Text
					select {
					case out <- Event{Kind: EventDelta, Delta: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- Event{Kind: EventError, Err: err.Error()}
			return
		}

		resp := &Response{
			Content: content,
			Usage: &TokenUsage{
				InputTokens:  int(message.Usage.InputTokens),
				OutputTokens: int(message.Usage.OutputTokens),
			},
		}

		select {
		case out <- Event{Kind: EventResponse, Response: resp}:
		case <-ctx.Done():
			return
		}
		select {
		case out <- Event{Kind: EventDone}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}
