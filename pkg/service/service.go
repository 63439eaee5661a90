package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/bridge"
	"github.com/kindling-ai/kindling/pkg/bundle"
	"github.com/kindling-ai/kindling/pkg/configstore"
	"github.com/kindling-ai/kindling/pkg/engine"
	"github.com/kindling-ai/kindling/pkg/gate"
	"github.com/kindling-ai/kindling/pkg/registry"
)

// Service exposes session operations to transports. Every operation takes a
// resolved caller identity; authorization is decided on the user id alone,
// the app id is logged for audit.
type Service struct {
	configs  *configstore.Store
	cache    *bundle.Cache
	asm      *bundle.Assembler
	bridge   *bridge.Bridge
	registry *registry.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime
	failures map[string]int
}

// sessionRuntime is the live engine-side handle for one session, pinned to
// the bundle fingerprint it was created from
type sessionRuntime struct {
	fingerprint string
	runtime     engine.Runtime
}

// Config holds service construction options
type Config struct {
	Configs   *configstore.Store
	Cache     *bundle.Cache
	Assembler *bundle.Assembler
	Bridge    *bridge.Bridge
	Registry  *registry.Registry
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// New creates a service
func New(cfg Config) (*Service, error) {
	if cfg.Configs == nil || cfg.Cache == nil || cfg.Assembler == nil || cfg.Bridge == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("configs, cache, assembler, bridge, and registry are required")
	}
	return &Service{
		configs:  cfg.Configs,
		cache:    cfg.Cache,
		asm:      cfg.Assembler,
		bridge:   cfg.Bridge,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		runtimes: make(map[string]*sessionRuntime),
		failures: make(map[string]int),
	}, nil
}

// CreateSession resolves the configuration, obtains (or joins) its bundle
// assembly, registers the session, and binds a fresh runtime to it.
func (s *Service) CreateSession(ctx context.Context, id gate.Identity, configID string) (*registry.Session, error) {
	cfg, err := s.configs.Get(ctx, configID)
	if err != nil {
		return nil, err
	}

	b, err := s.cache.GetOrAssemble(ctx, cfg.Fingerprint, s.asm.AssembleFuncFor(cfg.Document))
	if err != nil {
		return nil, err
	}

	sess, err := s.registry.Create(ctx, configID, id.UserID, id.AppID)
	if err != nil {
		return nil, err
	}

	rt, err := b.Handle.CreateRuntime(ctx, sess.ID)
	if err != nil {
		// The session exists but has no runtime; the next send rebuilds one.
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Runtime creation failed at session create")
		return sess, nil
	}
	s.pinRuntime(sess.ID, cfg.Fingerprint, rt)
	return sess, nil
}

// GetSession returns the session snapshot for a participant
func (s *Service) GetSession(ctx context.Context, id gate.Identity, sessionID string) (*registry.Session, error) {
	return s.registry.Get(ctx, sessionID, id.UserID)
}

// ListSessions returns the caller's sessions, newest-updated first
func (s *Service) ListSessions(ctx context.Context, id gate.Identity, limit, offset int) ([]*registry.Session, error) {
	return s.registry.List(ctx, id.UserID, limit, offset)
}

// DeleteSession permanently removes a session. Owner only. Any in-flight
// turn is aborted and the runtime is released.
func (s *Service) DeleteSession(ctx context.Context, id gate.Identity, sessionID string) error {
	if err := s.registry.Delete(ctx, sessionID, id.UserID); err != nil {
		return err
	}
	s.bridge.Cancel(sessionID)
	s.unpinRuntime(sessionID)
	return nil
}

// ResumeSession transitions a completed or cancelled session back to active,
// reconstructing engine-side state from the persisted transcript. Resuming
// an already-active session is a no-op returning current state. The
// configuration is re-resolved: if it was deleted since, resume fails with
// the configuration-not-found error; if its content changed, the session
// continues on a bundle assembled from current content.
func (s *Service) ResumeSession(ctx context.Context, id gate.Identity, sessionID string) (*registry.Session, error) {
	sess, err := s.registry.Get(ctx, sessionID, id.UserID)
	if err != nil {
		return nil, err
	}

	if sess.Status == registry.StatusActive {
		if _, ok := s.pinnedRuntime(sessionID); !ok {
			if _, err := s.ensureRuntime(ctx, sess); err != nil {
				return nil, err
			}
		}
		return sess, nil
	}

	if sess.Status == registry.StatusFailed {
		return nil, fmt.Errorf("%w: failed sessions cannot be resumed", registry.ErrInvalidTransition)
	}

	rt, err := s.ensureRuntime(ctx, sess)
	if err != nil {
		return nil, err
	}

	transcript, err := s.registry.Transcript(ctx, sessionID, id.UserID)
	if err != nil {
		return nil, err
	}
	if err := rt.Hydrate(ctx, bridge.HydrationMessages(transcript)); err != nil {
		return nil, fmt.Errorf("failed to reconstruct session state: %w", err)
	}

	if _, err := s.registry.Reactivate(ctx, sessionID); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SessionResumes.Inc()
	}
	s.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", id.UserID).
		Str("app_id", id.AppID).
		Msg("Session resumed")

	return s.registry.Get(ctx, sessionID, id.UserID)
}

// SendMessage runs one synchronous turn. The turn reaches the transcript
// only if it completes; a failed turn leaves the session active and the
// caller decides whether to retry or mark the session failed.
func (s *Service) SendMessage(ctx context.Context, id gate.Identity, sessionID, text string) (*registry.Session, *engine.Response, error) {
	sess, rt, err := s.sessionForTurn(ctx, id, sessionID)
	if err != nil {
		return nil, nil, err
	}

	updated, resp, err := s.bridge.Send(ctx, sess.ID, rt, text)
	s.trackOutcome(sessionID, err)
	if err != nil {
		return nil, nil, err
	}
	s.registry.Touch(ctx, sessionID, id.UserID)
	return updated, resp, nil
}

// StreamMessage runs one streaming turn, yielding an ordered event sequence
// terminated by a completion or error event
func (s *Service) StreamMessage(ctx context.Context, id gate.Identity, sessionID, text string) (<-chan engine.Event, error) {
	sess, rt, err := s.sessionForTurn(ctx, id, sessionID)
	if err != nil {
		return nil, err
	}

	events, err := s.bridge.Stream(ctx, sess.ID, rt, text)
	if err != nil {
		s.trackOutcome(sessionID, err)
		return nil, err
	}
	s.registry.Touch(ctx, sessionID, id.UserID)
	return events, nil
}

// Cancel aborts the session's in-flight turn, if any. Any participant may
// cancel. Returns whether a turn was aborted.
func (s *Service) Cancel(ctx context.Context, id gate.Identity, sessionID string) (bool, error) {
	if _, err := s.registry.Get(ctx, sessionID, id.UserID); err != nil {
		return false, err
	}
	return s.bridge.Cancel(sessionID), nil
}

// CompleteSession ends an active session normally
func (s *Service) CompleteSession(ctx context.Context, id gate.Identity, sessionID string) error {
	return s.transitionByParticipant(ctx, id, sessionID, registry.StatusCompleted)
}

// CancelSession moves an active session to cancelled, aborting any in-flight
// turn first
func (s *Service) CancelSession(ctx context.Context, id gate.Identity, sessionID string) error {
	s.bridge.Cancel(sessionID)
	return s.transitionByParticipant(ctx, id, sessionID, registry.StatusCancelled)
}

// MarkFailed moves a session to the terminal failed status. Turn failures
// never do this automatically; the caller decides.
func (s *Service) MarkFailed(ctx context.Context, id gate.Identity, sessionID string) error {
	s.bridge.Cancel(sessionID)
	if err := s.transitionByParticipant(ctx, id, sessionID, registry.StatusFailed); err != nil {
		return err
	}
	s.unpinRuntime(sessionID)
	return nil
}

func (s *Service) transitionByParticipant(ctx context.Context, id gate.Identity, sessionID string, to registry.Status) error {
	if _, err := s.registry.Get(ctx, sessionID, id.UserID); err != nil {
		return err
	}
	return s.registry.TransitionStatus(ctx, sessionID, to)
}

// AddParticipant grants a user access to a session
func (s *Service) AddParticipant(ctx context.Context, id gate.Identity, sessionID, userID string, role registry.Role) error {
	return s.registry.AddParticipant(ctx, sessionID, id.UserID, userID, role)
}

// RemoveParticipant revokes a user's access to a session
func (s *Service) RemoveParticipant(ctx context.Context, id gate.Identity, sessionID, userID string) error {
	return s.registry.RemoveParticipant(ctx, sessionID, id.UserID, userID)
}

// UpdateParticipantRole changes a participant's role
func (s *Service) UpdateParticipantRole(ctx context.Context, id gate.Identity, sessionID, userID string, role registry.Role) error {
	return s.registry.UpdateRole(ctx, sessionID, id.UserID, userID, role)
}

// ListParticipants returns the session's participant set
func (s *Service) ListParticipants(ctx context.Context, id gate.Identity, sessionID string) ([]registry.Participant, error) {
	return s.registry.ListParticipants(ctx, sessionID, id.UserID)
}

// Transcript returns the session's ordered transcript
func (s *Service) Transcript(ctx context.Context, id gate.Identity, sessionID string) ([]registry.Turn, error) {
	return s.registry.Transcript(ctx, sessionID, id.UserID)
}

// Close releases all pinned runtimes
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sr := range s.runtimes {
		sr.runtime.Close()
		delete(s.runtimes, id)
	}
	return nil
}

// sessionForTurn authorizes the caller, requires an active session, and
// returns its runtime, rebuilding one if it was lost to restart or eviction
func (s *Service) sessionForTurn(ctx context.Context, id gate.Identity, sessionID string) (*registry.Session, engine.Runtime, error) {
	sess, err := s.registry.Get(ctx, sessionID, id.UserID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status != registry.StatusActive {
		return nil, nil, fmt.Errorf("%w: session is %s, resume it first", registry.ErrInvalidTransition, sess.Status)
	}

	if sr, ok := s.pinnedRuntime(sessionID); ok {
		return sess, sr.runtime, nil
	}

	rt, err := s.ensureRuntime(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	transcript, err := s.registry.Transcript(ctx, sessionID, id.UserID)
	if err != nil {
		return nil, nil, err
	}
	if err := rt.Hydrate(ctx, bridge.HydrationMessages(transcript)); err != nil {
		return nil, nil, fmt.Errorf("failed to reconstruct session state: %w", err)
	}
	return sess, rt, nil
}

// ensureRuntime resolves the session's configuration at current content,
// obtains its bundle, and pins a fresh runtime
func (s *Service) ensureRuntime(ctx context.Context, sess *registry.Session) (engine.Runtime, error) {
	cfg, err := s.configs.Get(ctx, sess.ConfigID)
	if err != nil {
		return nil, err
	}

	b, err := s.cache.GetOrAssemble(ctx, cfg.Fingerprint, s.asm.AssembleFuncFor(cfg.Document))
	if err != nil {
		return nil, err
	}

	rt, err := b.Handle.CreateRuntime(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime for session %s: %w", sess.ID, err)
	}
	s.pinRuntime(sess.ID, cfg.Fingerprint, rt)
	return rt, nil
}

func (s *Service) pinRuntime(sessionID, fingerprint string, rt engine.Runtime) {
	s.mu.Lock()
	if old, ok := s.runtimes[sessionID]; ok {
		old.runtime.Close()
	}
	s.runtimes[sessionID] = &sessionRuntime{fingerprint: fingerprint, runtime: rt}
	s.mu.Unlock()
}

func (s *Service) pinnedRuntime(sessionID string) (*sessionRuntime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.runtimes[sessionID]
	return sr, ok
}

func (s *Service) unpinRuntime(sessionID string) {
	s.mu.Lock()
	if sr, ok := s.runtimes[sessionID]; ok {
		sr.runtime.Close()
		delete(s.runtimes, sessionID)
	}
	delete(s.failures, sessionID)
	s.mu.Unlock()
}

// trackOutcome counts consecutive turn failures per session for operators;
// nothing is failed automatically
func (s *Service) trackOutcome(sessionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, sessionID)
		return
	}
	s.failures[sessionID]++
	if n := s.failures[sessionID]; n >= 3 {
		s.logger.Warn().
			Str("session_id", sessionID).
			Int("consecutive_failures", n).
			Msg("Session keeps failing turns")
	}
}
