package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindling-ai/kindling/pkg/engine"
	"github.com/kindling-ai/kindling/pkg/registry"
)

// stubRuntime lets tests script engine behavior per turn
type stubRuntime struct {
	executeFn   func(ctx context.Context, msg engine.Message) (*engine.Response, error)
	streamingFn func(ctx context.Context, msg engine.Message) (<-chan engine.Event, error)
}

func (s *stubRuntime) Execute(ctx context.Context, msg engine.Message) (*engine.Response, error) {
	return s.executeFn(ctx, msg)
}

func (s *stubRuntime) ExecuteStreaming(ctx context.Context, msg engine.Message) (<-chan engine.Event, error) {
	return s.streamingFn(ctx, msg)
}

func (s *stubRuntime) Hydrate(ctx context.Context, transcript []engine.Message) error { return nil }
func (s *stubRuntime) Close() error                                                   { return nil }

func setupBridge(t *testing.T, turnTimeout time.Duration) (*Bridge, *registry.Registry) {
	t.Helper()
	store, err := registry.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(registry.Config{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)

	b, err := New(Config{
		Registry:    reg,
		Logger:      zerolog.Nop(),
		TurnTimeout: turnTimeout,
	})
	require.NoError(t, err)
	return b, reg
}

func TestBridge_SendAppendsTurn(t *testing.T) {
	b, reg := setupBridge(t, time.Second)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "cfg-1", "alice", "app-1")
	require.NoError(t, err)

	rt := &stubRuntime{
		executeFn: func(ctx context.Context, msg engine.Message) (*engine.Response, error) {
			assert.Equal(t, "ping", msg.Content)
			return &engine.Response{Content: "pong"}, nil
		},
	}

	updated, resp, err := b.Send(ctx, sess.ID, rt, "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, 1, updated.MessageCount)

	transcript, err := reg.Transcript(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, "ping", transcript[0].Request)
	assert.Equal(t, "pong", transcript[0].Response)
}

func TestBridge_SendFailureAppendsNothing(t *testing.T) {
	b, reg := setupBridge(t, time.Second)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "cfg-1", "alice", "app-1")
	require.NoError(t, err)

	rt := &stubRuntime{
		executeFn: func(ctx context.Context, msg engine.Message) (*engine.Response, error) {
			return nil, errors.New("model exploded")
		},
	}

	_, _, err = b.Send(ctx, sess.ID, rt, "ping")
	assert.ErrorIs(t, err, ErrExecutionFailed)

	got, err := reg.Get(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, got.MessageCount)
}

func TestBridge_SendTimeout(t *testing.T) {
	b, reg := setupBridge(t, 20*time.Millisecond)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "cfg-1", "alice", "app-1")
	require.NoError(t, err)

	rt := &stubRuntime{
		executeFn: func(ctx context.Context, msg engine.Message) (*engine.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	_, _, err = b.Send(ctx, sess.ID, rt, "ping")
	assert.ErrorIs(t, err, ErrExecutionTimeout)

	got, err := reg.Get(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, got.MessageCount)
}

func TestBridge_OverlappingSendsSerialize(t *testing.T) {
	b, reg := setupBridge(t, time.Second)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "cfg-1", "alice", "app-1")
	require.NoError(t, err)

	var mu sync.Mutex
	running, maxRunning := 0, 0
	rt := &stubRuntime{
		executeFn: func(ctx context.Context, msg engine.Message) (*engine.Response, error) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return &engine.Response{Content: "ok: " + msg.Content}, nil
		},
	}

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := b.Send(ctx, sess.ID, rt, fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 1, maxRunning, "turns on one session must not overlap")
	mu.Unlock()

	got, err := reg.Get(ctx, sess.ID, "alice")
	require.NoError(t, err)
	transcript, err := reg.Transcript(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, n, got.MessageCount)
	assert.Len(t, transcript, n, "every submitted turn reaches the transcript")
}

func TestBridge_QueuedSendTimesOutBehindStuckTurn(t *testing.T) {
	b, reg := setupBridge(t, 30*time.Millisecond)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "cfg-1", "alice", "app-1")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	rt := &stubRuntime{
		executeFn: func(ctx context.Context, msg engine.Message) (*engine.Response, error) {
			close(started)
			<-release
			return &engine.Response{Content: "ok"}, nil
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Send(ctx, sess.ID, rt, "stuck")
	}()
	<-started

	_, _, err = b.Send(ctx, sess.ID, rt, "queued")
	assert.ErrorIs(t, err, ErrExecutionTimeout)

	close(release)
	<-done
}

func TestBridge_StreamForwardsAndRecords(t *testing.T) {
	b, reg := setupBridge(t, time.Second)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "cfg-1", "alice", "app-1")
	require.NoError(t, err)

	rt := &stubRuntime{
		streamingFn: func(ctx context.Context, msg engine.Message) (<-chan engine.Event, error) {
			ch := make(chan engine.Event, 4)
			ch <- engine.Event{Kind: engine.EventDelta, Delta: "po"}
			ch <- engine.Event{Kind: engine.EventDelta, Delta: "ng"}
			ch <- engine.Event{Kind: engine.EventResponse, Response: &engine.Response{Content: "pong"}}
			ch <- engine.Event{Kind: engine.EventDone}
			close(ch)
			return ch, nil
		},
	}

	events, err := b.Stream(ctx, sess.ID, rt, "ping")
	require.NoError(t, err)

	var kinds []engine.EventKind
	var content string
	for ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == engine.EventDelta {
			content += ev.Delta
		}
	}
	assert.Equal(t, []engine.EventKind{
		engine.EventDelta, engine.EventDelta, engine.EventResponse, engine.EventDone,
	}, kinds)
	assert.Equal(t, "pong", content)

	transcript, err := reg.Transcript(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, "pong", transcript[0].Response)
}

func TestBridge_StreamCancelAppendsNothing(t *testing.T) {
	b, reg := setupBridge(t, time.Minute)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "cfg-1", "alice", "app-1")
	require.NoError(t, err)

	streaming := make(chan struct{})
	rt := &stubRuntime{
		streamingFn: func(ctx context.Context, msg engine.Message) (<-chan engine.Event, error) {
			ch := make(chan engine.Event, 1)
			ch <- engine.Event{Kind: engine.EventDelta, Delta: "par"}
			go func() {
				<-ctx.Done()
				close(ch)
			}()
			close(streaming)
			return ch, nil
		},
	}

	events, err := b.Stream(ctx, sess.ID, rt, "ping")
	require.NoError(t, err)
	<-streaming

	require.True(t, b.Cancel(sess.ID))

	var last engine.Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, engine.EventError, last.Kind)
	assert.Contains(t, last.Err, ErrStreamCancelled.Error())

	got, err := reg.Get(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, got.MessageCount)
}

func TestBridge_CancelWithoutTurn(t *testing.T) {
	b, _ := setupBridge(t, time.Second)
	assert.False(t, b.Cancel("no-such-session"))
}

func TestBridge_HydrationMessages(t *testing.T) {
	msgs := HydrationMessages([]registry.Turn{
		{Request: "q1", Response: "a1"},
		{Request: "q2", Response: "a2"},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, engine.Message{Role: "user", Content: "q1"}, msgs[0])
	assert.Equal(t, engine.Message{Role: "assistant", Content: "a1"}, msgs[1])
	assert.Equal(t, engine.Message{Role: "assistant", Content: "a2"}, msgs[3])
}
