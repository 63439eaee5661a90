package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name      string
		doc       Document
		shouldErr bool
	}{
		{"valid", Document{"provider": "anthropic", "model": "claude-sonnet-4-5"}, false},
		{"missing provider", Document{"model": "gpt-4o"}, true},
		{"missing model", Document{"provider": "openai"}, true},
		{"extra fields ignored", Document{"provider": "openai", "model": "gpt-4o", "tools": []string{"web"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseSpec(tt.doc)
			if tt.shouldErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, spec.Provider)
			assert.Equal(t, 4096, spec.MaxTokens)
		})
	}
}

func TestProviderEngine_AssembleUnknownProvider(t *testing.T) {
	e := NewProviderEngine(Credentials{AnthropicAPIKey: "sk-ant-test"})

	_, err := e.Assemble(context.Background(), Document{"provider": "openai", "model": "gpt-4o"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestProviderEngine_AssembleInvalidDocument(t *testing.T) {
	e := NewProviderEngine(Credentials{AnthropicAPIKey: "sk-ant-test"})

	_, err := e.Assemble(context.Background(), Document{"name": "no model here"})
	assert.Error(t, err)
}

// stubProvider records calls and replays canned responses
type stubProvider struct {
	completions int
	lastMsgs    []Message
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(_ context.Context, _ ModelSpec, msgs []Message) (*Response, error) {
	s.completions++
	s.lastMsgs = msgs
	return &Response{Content: fmt.Sprintf("reply-%d", s.completions)}, nil
}

func (s *stubProvider) Stream(ctx context.Context, spec ModelSpec, msgs []Message) (<-chan Event, error) {
	resp, _ := s.Complete(ctx, spec, msgs)
	out := make(chan Event, 3)
	out <- Event{Kind: EventDelta, Delta: resp.Content}
	out <- Event{Kind: EventResponse, Response: resp}
	out <- Event{Kind: EventDone}
	close(out)
	return out, nil
}

func newStubRuntime(p provider) *providerRuntime {
	return &providerRuntime{
		sessionID: "sess-1",
		spec:      ModelSpec{Provider: "stub", Model: "m"},
		provider:  p,
	}
}

func TestProviderRuntime_HistoryAccumulates(t *testing.T) {
	stub := &stubProvider{}
	rt := newStubRuntime(stub)

	resp, err := rt.Execute(context.Background(), Message{Role: "user", Content: "one"})
	require.NoError(t, err)
	assert.Equal(t, "reply-1", resp.Content)

	_, err = rt.Execute(context.Background(), Message{Role: "user", Content: "two"})
	require.NoError(t, err)

	// Second call saw the whole prior turn plus the new message
	require.Len(t, stub.lastMsgs, 3)
	assert.Equal(t, "one", stub.lastMsgs[0].Content)
	assert.Equal(t, "reply-1", stub.lastMsgs[1].Content)
	assert.Equal(t, "two", stub.lastMsgs[2].Content)
}

func TestProviderRuntime_Hydrate(t *testing.T) {
	stub := &stubProvider{}
	rt := newStubRuntime(stub)

	prior := []Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}
	require.NoError(t, rt.Hydrate(context.Background(), prior))

	_, err := rt.Execute(context.Background(), Message{Role: "user", Content: "again"})
	require.NoError(t, err)

	require.Len(t, stub.lastMsgs, 3)
	assert.Equal(t, "hello", stub.lastMsgs[0].Content)
}

func TestProviderRuntime_StreamingUpdatesHistory(t *testing.T) {
	stub := &stubProvider{}
	rt := newStubRuntime(stub)

	events, err := rt.ExecuteStreaming(context.Background(), Message{Role: "user", Content: "stream me"})
	require.NoError(t, err)

	var kinds []EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventDelta, EventResponse, EventDone}, kinds)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Len(t, rt.history, 2)
	assert.Equal(t, "reply-1", rt.history[1].Content)
}

func TestProviderRuntime_ClosedRejectsTurns(t *testing.T) {
	rt := newStubRuntime(&stubProvider{})
	require.NoError(t, rt.Close())

	_, err := rt.Execute(context.Background(), Message{Role: "user", Content: "x"})
	assert.Error(t, err)
}
