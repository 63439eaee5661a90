package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/engine"
	"github.com/kindling-ai/kindling/pkg/registry"
)

var (
	// ErrExecutionTimeout means a turn exceeded the configured turn timeout
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrExecutionFailed means the engine reported a turn failure
	ErrExecutionFailed = errors.New("execution failed")
	// ErrStreamCancelled means an in-flight turn was cancelled by the consumer
	ErrStreamCancelled = errors.New("stream cancelled")
)

// Bridge runs turns against engine runtimes and records completed exchanges
// in the session registry. At most one turn executes per session at a time;
// overlapping submissions queue on the session's turn slot and run in
// submission order.
type Bridge struct {
	registry    *registry.Registry
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	turnTimeout time.Duration
	streamBuf   int

	mu    sync.Mutex
	runs  map[string]*run
	slots map[string]chan struct{}
}

type run struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Config holds bridge construction options
type Config struct {
	Registry    *registry.Registry
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	TurnTimeout time.Duration
	// StreamBuffer is the event channel capacity for streaming turns
	StreamBuffer int
}

// New creates a bridge
func New(cfg Config) (*Bridge, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	return &Bridge{
		registry:    cfg.Registry,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		turnTimeout: cfg.TurnTimeout,
		streamBuf:   cfg.StreamBuffer,
		runs:        make(map[string]*run),
		slots:       make(map[string]chan struct{}),
	}, nil
}

// slot returns the session's turn slot channel. Holding its single token
// means a turn is executing; blocked senders acquire it in queue order.
func (b *Bridge) slot(sessionID string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.slots[sessionID]
	if !ok {
		slot = make(chan struct{}, 1)
		b.slots[sessionID] = slot
	}
	return slot
}

// begin claims the session's turn slot, queueing behind any in-flight turn,
// and returns a deadline-bound context for the run. The wait is bounded by
// the turn timeout.
func (b *Bridge) begin(ctx context.Context, sessionID string) (context.Context, *run, error) {
	slot := b.slot(sessionID)

	wait := time.NewTimer(b.turnTimeout)
	defer wait.Stop()
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%w: %v", ErrStreamCancelled, ctx.Err())
	case <-wait.C:
		return nil, nil, fmt.Errorf("%w: waited %s for an earlier turn on session %s", ErrExecutionTimeout, b.turnTimeout, sessionID)
	}

	runCtx, cancel := context.WithTimeout(ctx, b.turnTimeout)
	r := &run{cancel: cancel}
	b.mu.Lock()
	b.runs[sessionID] = r
	b.mu.Unlock()
	return runCtx, r, nil
}

func (b *Bridge) end(sessionID string, r *run) {
	r.cancel()
	b.mu.Lock()
	if b.runs[sessionID] == r {
		delete(b.runs, sessionID)
	}
	slot := b.slots[sessionID]
	b.mu.Unlock()
	<-slot
}

// Cancel aborts the session's in-flight turn, if any. Returns whether a turn
// was cancelled. The aborted turn leaves no trace in the transcript; turns
// queued behind it still run.
func (b *Bridge) Cancel(sessionID string) bool {
	b.mu.Lock()
	r, ok := b.runs[sessionID]
	if ok {
		r.cancelled = true
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	r.cancel()
	if b.metrics != nil {
		b.metrics.StreamCancelsTotal.Inc()
	}
	b.logger.Info().Str("session_id", sessionID).Msg("In-flight turn cancelled")
	return true
}

// classify maps a runtime error to the turn error taxonomy
func (b *Bridge) classify(runCtx context.Context, r *run, err error) error {
	b.mu.Lock()
	cancelled := r.cancelled
	b.mu.Unlock()

	switch {
	case cancelled:
		return fmt.Errorf("%w: %v", ErrStreamCancelled, err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", ErrExecutionTimeout, b.turnTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrStreamCancelled, err)
	default:
		return fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
}

// Send executes one synchronous turn and appends it to the transcript. A
// failed, timed-out, or cancelled turn appends nothing.
func (b *Bridge) Send(ctx context.Context, sessionID string, rt engine.Runtime, request string) (*registry.Session, *engine.Response, error) {
	runCtx, r, err := b.begin(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer b.end(sessionID, r)

	start := time.Now()
	resp, err := rt.Execute(runCtx, engine.Message{Role: "user", Content: request})
	if err != nil {
		b.observeTurn(start, "error")
		classified := b.classify(runCtx, r, err)
		b.logger.Error().Err(err).Str("session_id", sessionID).Msg("Turn execution failed")
		return nil, nil, classified
	}

	sess, err := b.registry.AppendTurn(ctx, sessionID, registry.Turn{
		Request:   request,
		Response:  resp.Content,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		b.observeTurn(start, "error")
		return nil, nil, err
	}

	b.observeTurn(start, "ok")
	b.logger.Debug().
		Str("session_id", sessionID).
		Int("message_count", sess.MessageCount).
		Dur("elapsed", time.Since(start)).
		Msg("Turn completed")
	return sess, resp, nil
}

// Stream executes one streaming turn. Events are forwarded to the returned
// channel, which is closed after a terminal event. The completed exchange is
// appended to the transcript when the final response arrives; a cancelled or
// failed stream appends nothing and its last event carries the error.
func (b *Bridge) Stream(ctx context.Context, sessionID string, rt engine.Runtime, request string) (<-chan engine.Event, error) {
	runCtx, r, err := b.begin(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	inner, err := rt.ExecuteStreaming(runCtx, engine.Message{Role: "user", Content: request})
	if err != nil {
		b.end(sessionID, r)
		return nil, b.classify(runCtx, r, err)
	}

	out := make(chan engine.Event, b.streamBuf)
	go b.pump(ctx, runCtx, r, sessionID, request, inner, out)
	return out, nil
}

func (b *Bridge) pump(ctx, runCtx context.Context, r *run, sessionID, request string, inner <-chan engine.Event, out chan<- engine.Event) {
	defer close(out)
	defer b.end(sessionID, r)

	start := time.Now()
	emit := func(ev engine.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case ev, ok := <-inner:
			if !ok {
				// Runtimes abandon the stream on cancellation; surface it.
				if runCtx.Err() != nil {
					b.observeTurn(start, "cancelled")
					emit(engine.Event{Kind: engine.EventError, Err: b.classify(runCtx, r, runCtx.Err()).Error()})
				}
				return
			}
			switch ev.Kind {
			case engine.EventResponse:
				if ev.Response != nil {
					if _, err := b.registry.AppendTurn(ctx, sessionID, registry.Turn{
						Request:   request,
						Response:  ev.Response.Content,
						Timestamp: time.Now().UTC(),
					}); err != nil {
						b.observeTurn(start, "error")
						emit(engine.Event{Kind: engine.EventError, Err: err.Error()})
						return
					}
				}
				b.observeTurn(start, "ok")
				emit(ev)
			case engine.EventError:
				b.observeTurn(start, "error")
				classified := b.classify(runCtx, r, errors.New(ev.Err))
				b.logger.Error().Str("session_id", sessionID).Str("error", ev.Err).Msg("Streaming turn failed")
				emit(engine.Event{Kind: engine.EventError, Err: classified.Error()})
				return
			default:
				if !emit(ev) {
					return
				}
			}

		case <-runCtx.Done():
			b.observeTurn(start, "cancelled")
			classified := b.classify(runCtx, r, runCtx.Err())
			b.logger.Info().Str("session_id", sessionID).Msg("Streaming turn aborted")
			emit(engine.Event{Kind: engine.EventError, Err: classified.Error()})
			return
		}
	}
}

func (b *Bridge) observeTurn(start time.Time, outcome string) {
	if b.metrics == nil {
		return
	}
	b.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	b.metrics.TurnSeconds.Observe(time.Since(start).Seconds())
}

// HydrationMessages flattens a persisted transcript into the alternating
// user/assistant message form engine runtimes hydrate from
func HydrationMessages(transcript []registry.Turn) []engine.Message {
	msgs := make([]engine.Message, 0, len(transcript)*2)
	for _, t := range transcript {
		msgs = append(msgs,
			engine.Message{Role: "user", Content: t.Request},
			engine.Message{Role: "assistant", Content: t.Response},
		)
	}
	return msgs
}
