package engine

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider runs turns against OpenAI chat completions
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) buildParams(spec ModelSpec, msgs []Message) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if spec.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(spec.SystemPrompt))
	}
	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(spec.Model),
		Messages: messages,
	}
	if spec.Temperature > 0 {
		params.Temperature = openai.Float(spec.Temperature)
	}
	if spec.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(spec.MaxTokens))
	}
	return params
}

// Complete runs one blocking completion
func (p *OpenAIProvider) Complete(ctx context.Context, spec ModelSpec, msgs []Message) (*Response, error) {
	completion, err := p.client.Chat.Completions.New(ctx, p.buildParams(spec, msgs))
	if err != nil {
		return nil, err
	}

	content := ""
	if len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
	}

	return &Response{
		Content: content,
		Usage: &TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

// Stream runs one streaming completion
func (p *OpenAIProvider) Stream(ctx context.Context, spec ModelSpec, msgs []Message) (<-chan Event, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(spec, msgs))

	out := make(chan Event)
	go func() {
		defer close(out)

		acc := openai.ChatCompletionAccumulator{}

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case out <- Event{Kind: EventDelta, Delta: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- Event{Kind: EventError, Err: err.Error()}
			return
		}

		content := ""
		if len(acc.Choices) > 0 {
			content = acc.Choices[0].Message.Content
		}
		resp := &Response{
			Content: content,
			Usage: &TokenUsage{
				InputTokens:  int(acc.Usage.PromptTokens),
				OutputTokens: int(acc.Usage.CompletionTokens),
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
