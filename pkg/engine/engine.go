package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Document is a declarative configuration document (a bundle manifest)
type Document map[string]interface{}

// Message represents a single conversation turn sent to or from the engine
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// TokenUsage tracks token consumption for a turn
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response contains the complete result of one turn
type Response struct {
	Content string      `json:"content"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

// EventKind identifies a streaming event type
type EventKind string

const (
	// EventDelta carries a partial-content fragment
	EventDelta EventKind = "delta"
	// EventToolUse signals a tool invocation by the runtime
	EventToolUse EventKind = "tool_use"
	// EventResponse carries the complete final response for the turn
	EventResponse EventKind = "response"
	// EventDone marks the end of a successful turn
	EventDone EventKind = "done"
	// EventError carries a terminal turn failure
	EventError EventKind = "error"
)

// Event is one element of a streaming turn's event sequence
type Event struct {
	Kind     EventKind `json:"kind"`
	Delta    string    `json:"delta,omitempty"`
	Tool     string    `json:"tool,omitempty"`
	Response *Response `json:"response,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// Engine assembles runtime bundles from configuration documents
type Engine interface {
	// Assemble resolves a document into a runtime-ready bundle handle.
	// May fail after a long network-bound operation.
	Assemble(ctx context.Context, doc Document) (BundleHandle, error)
}

// BundleHandle is an assembled, runtime-ready artifact
type BundleHandle interface {
	// CreateRuntime instantiates a runnable session bound to this bundle
	CreateRuntime(ctx context.Context, sessionID string) (Runtime, error)
}

// Runtime is a live engine-side conversation
type Runtime interface {
	// Execute runs one synchronous turn
	Execute(ctx context.Context, msg Message) (*Response, error)
	// ExecuteStreaming runs one turn, yielding incremental events.
	// The returned channel is closed after a terminal event.
	ExecuteStreaming(ctx context.Context, msg Message) (<-chan Event, error)
	// Hydrate reconstructs engine-side state from a persisted transcript
	Hydrate(ctx context.Context, transcript []Message) error
	// Close releases engine-side resources for this runtime
	Close() error
}

// ModelSpec is the runtime-relevant portion of a configuration document
type ModelSpec struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// ParseSpec extracts the model spec from a configuration document
func ParseSpec(doc Document) (ModelSpec, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return ModelSpec{}, fmt.Errorf("failed to marshal document: %w", err)
	}
	var spec ModelSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return ModelSpec{}, fmt.Errorf("failed to parse model spec: %w", err)
	}
	if spec.Provider == "" {
		return ModelSpec{}, fmt.Errorf("document missing provider")
	}
	if spec.Model == "" {
		return ModelSpec{}, fmt.Errorf("document missing model")
	}
	if spec.MaxTokens == 0 {
		spec.MaxTokens = 4096
	}
	return spec, nil
}

// provider is the model-provider abstraction behind the default engine
type provider interface {
	// Name returns the provider name
	Name() string
	// Complete runs one blocking completion over the full message history
	Complete(ctx context.Context, spec ModelSpec, msgs []Message) (*Response, error)
	// Stream runs one streaming completion; the channel closes after a
	// terminal event
	Stream(ctx context.Context, spec ModelSpec, msgs []Message) (<-chan Event, error)
}

// ProviderEngine is the default Engine backed by model provider SDKs
type ProviderEngine struct {
	providers map[string]provider
}

// Credentials holds provider API keys
type Credentials struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
}

// NewProviderEngine creates an engine with providers for the supplied credentials
func NewProviderEngine(creds Credentials) *ProviderEngine {
	providers := make(map[string]provider)
	if creds.AnthropicAPIKey != "" {
		p := NewAnthropicProvider(creds.AnthropicAPIKey)
		providers[p.Name()] = p
	}
	if creds.OpenAIAPIKey != "" {
		p := NewOpenAIProvider(creds.OpenAIAPIKey)
		providers[p.Name()] = p
	}
	return &ProviderEngine{providers: providers}
}

// Assemble parses the document and binds it to a configured provider
func (e *ProviderEngine) Assemble(ctx context.Context, doc Document) (BundleHandle, error) {
	spec, err := ParseSpec(doc)
	if err != nil {
		return nil, err
	}

	p, ok := e.providers[spec.Provider]
	if !ok {
		return nil, fmt.Errorf("no credentials configured for provider %q", spec.Provider)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &providerBundle{spec: spec, provider: p}, nil
}

// providerBundle is an assembled bundle bound to one provider
type providerBundle struct {
	spec     ModelSpec
	provider provider
}

func (b *providerBundle) CreateRuntime(ctx context.Context, sessionID string) (Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &providerRuntime{
		sessionID: sessionID,
		spec:      b.spec,
		provider:  b.provider,
	}, nil
}

// providerRuntime keeps the engine-side message history for one session
type providerRuntime struct {
	sessionID string
	spec      ModelSpec
	provider  provider

	mu      sync.Mutex
	history []Message
	closed  bool
}

func (r *providerRuntime) Execute(ctx context.Context, msg Message) (*Response, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("runtime for session %s is closed", r.sessionID)
	}
	msgs := append(append([]Message{}, r.history...), msg)
	r.mu.Unlock()

	resp, err := r.provider.Complete(ctx, r.spec, msgs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.history = append(r.history, msg, Message{Role: "assistant", Content: resp.Content})
	r.mu.Unlock()

	return resp, nil
}

func (r *providerRuntime) ExecuteStreaming(ctx context.Context, msg Message) (<-chan Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("runtime for session %s is closed", r.sessionID)
	}
	msgs := append(append([]Message{}, r.history...), msg)
	r.mu.Unlock()

	inner, err := r.provider.Stream(ctx, r.spec, msgs)
	if err != nil {
		return nil, err
	}

	// Record the turn in history only once the stream completes successfully.
	out := make(chan Event)
	go func() {
		defer close(out)
		for ev := range inner {
			if ev.Kind == EventResponse && ev.Response != nil {
				r.mu.Lock()
				r.history = append(r.history, msg, Message{Role: "assistant", Content: ev.Response.Content})
				r.mu.Unlock()
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *providerRuntime) Hydrate(ctx context.Context, transcript []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append([]Message{}, transcript...)
	return nil
}

func (r *providerRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.history = nil
	return nil
}
