package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
)

// Registry owns all live session state. Persistence is write-through to the
// store; reads are served from memory.
type Registry struct {
	store   *Store
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// sessionState guards one session. Its mutex serializes every mutation of
// the session, so appends and status changes never interleave.
type sessionState struct {
	mu           sync.Mutex
	session      Session
	transcript   []Turn
	participants map[string]*Participant
}

// Config holds registry construction options
type Config struct {
	Store  *Store
	Logger zerolog.Logger
	// Metrics is optional; nil disables instrumentation
	Metrics *metrics.Metrics
}

// New creates a registry hydrated from the store
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	r := &Registry{
		store:    cfg.Store,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*sessionState),
	}

	records, err := r.store.LoadAll(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate sessions: %w", err)
	}

	active := 0
	for _, rec := range records {
		st := &sessionState{
			session:      rec.session,
			transcript:   rec.transcript,
			participants: make(map[string]*Participant, len(rec.participants)),
		}
		for i := range rec.participants {
			p := rec.participants[i]
			st.participants[p.UserID] = &p
		}
		r.sessions[rec.session.ID] = st
		if rec.session.Status == StatusActive {
			active++
		}
	}

	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(active))
	}
	r.logger.Info().Int("sessions", len(records)).Msg("Session registry hydrated")
	return r, nil
}

func (r *Registry) state(sessionID string) (*sessionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return st, nil
}

// stateFor resolves a session on behalf of an identified caller. An absent
// session is reported as ErrAccessDenied, the same error a non-participant
// gets for an existing session, so callers cannot probe which ids exist.
// ErrSessionNotFound is reserved for internal paths where the caller's
// access has already been established.
func (r *Registry) stateFor(sessionID string) (*sessionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrAccessDenied
	}
	return st, nil
}

// requireParticipant returns the caller's role or ErrAccessDenied. Must be
// called with st.mu held.
func (st *sessionState) requireParticipant(userID string) (Role, error) {
	p, ok := st.participants[userID]
	if !ok {
		return "", ErrAccessDenied
	}
	return p.Role, nil
}

// Create allocates a new active session and registers the owner. The caller
// is responsible for having validated that the configuration exists.
func (r *Registry) Create(ctx context.Context, configID, ownerUserID, creatingAppID string) (*Session, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate session id: %w", err)
	}

	now := time.Now().UTC()
	sess := Session{
		ID:            id,
		ConfigID:      configID,
		OwnerUserID:   ownerUserID,
		CreatingAppID: creatingAppID,
		Status:        StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastAccessAt:  now,
	}
	owner := Participant{
		SessionID:    id,
		UserID:       ownerUserID,
		Role:         RoleOwner,
		JoinedAt:     now,
		LastActiveAt: now,
	}

	if err := r.store.InsertSession(ctx, &sess, &owner); err != nil {
		return nil, err
	}

	st := &sessionState{
		session:      sess,
		participants: map[string]*Participant{ownerUserID: &owner},
	}

	r.mu.Lock()
	r.sessions[id] = st
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsTotal.Inc()
		r.metrics.SessionsActive.Inc()
	}
	r.logger.Info().
		Str("session_id", id).
		Str("config_id", configID).
		Str("owner", ownerUserID).
		Str("app_id", creatingAppID).
		Msg("Session created")

	snapshot := sess
	return &snapshot, nil
}

// Get returns a snapshot of the session for a participant
func (r *Registry) Get(ctx context.Context, sessionID, userID string) (*Session, error) {
	st, err := r.stateFor(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.requireParticipant(userID); err != nil {
		return nil, err
	}

	snapshot := st.session
	return &snapshot, nil
}

// List returns sessions the user participates in, newest-updated first
func (r *Registry) List(ctx context.Context, userID string, limit, offset int) ([]*Session, error) {
	r.mu.RLock()
	var matched []*sessionState
	for _, st := range r.sessions {
		matched = append(matched, st)
	}
	r.mu.RUnlock()

	var sessions []*Session
	for _, st := range matched {
		st.mu.Lock()
		if _, ok := st.participants[userID]; ok {
			snapshot := st.session
			sessions = append(sessions, &snapshot)
		}
		st.mu.Unlock()
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	if offset >= len(sessions) {
		return nil, nil
	}
	sessions = sessions[offset:]
	if limit > 0 && limit < len(sessions) {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// AppendTurn appends one completed exchange and increments the message
// counter atomically under the per-session lock
func (r *Registry) AppendTurn(ctx context.Context, sessionID string, turn Turn) (*Session, error) {
	st, err := r.state(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.session.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot append turn to %s session", ErrInvalidTransition, st.session.Status)
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	now := time.Now().UTC()
	updated := st.session
	updated.MessageCount++
	updated.UpdatedAt = now
	updated.LastAccessAt = now

	if err := r.store.AppendTurn(ctx, &updated, updated.MessageCount, turn); err != nil {
		return nil, err
	}

	st.session = updated
	st.transcript = append(st.transcript, turn)

	snapshot := st.session
	return &snapshot, nil
}

// Transcript returns the ordered transcript for a participant
func (r *Registry) Transcript(ctx context.Context, sessionID, userID string) ([]Turn, error) {
	st, err := r.stateFor(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.requireParticipant(userID); err != nil {
		return nil, err
	}

	out := make([]Turn, len(st.transcript))
	copy(out, st.transcript)
	return out, nil
}

// TransitionStatus applies a forward status transition. Resume edges are
// rejected here; use Reactivate.
func (r *Registry) TransitionStatus(ctx context.Context, sessionID string, to Status) error {
	_, err := r.transition(ctx, sessionID, to, false)
	return err
}

// Reactivate moves a completed or cancelled session back to active. It
// returns false without error when the session is already active, so of any
// number of racing resumes exactly one performs the transition.
func (r *Registry) Reactivate(ctx context.Context, sessionID string) (bool, error) {
	return r.transition(ctx, sessionID, StatusActive, true)
}

func (r *Registry) transition(ctx context.Context, sessionID string, to Status, resume bool) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	st, err := r.state(sessionID)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	from := st.session.Status
	if resume && from == StatusActive {
		// Already resumed; the check and the transition share one lock
		// acquisition so racing resumes cannot interleave.
		return false, nil
	}
	if !canTransition(from, to, resume) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	updated := st.session
	updated.Status = to
	updated.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateSession(ctx, &updated); err != nil {
		return false, err
	}
	st.session = updated

	if r.metrics != nil {
		if to == StatusActive {
			r.metrics.SessionsActive.Inc()
		} else if from == StatusActive {
			r.metrics.SessionsActive.Dec()
		}
	}
	r.logger.Info().
		Str("session_id", sessionID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Session status changed")
	return true, nil
}

// AddParticipant grants a user access. The actor must be an owner or editor.
func (r *Registry) AddParticipant(ctx context.Context, sessionID, actorUserID, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}

	st, err := r.stateFor(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	actorRole, err := st.requireParticipant(actorUserID)
	if err != nil {
		return err
	}
	if !actorRole.canManageParticipants() {
		return ErrAccessDenied
	}
	if _, exists := st.participants[userID]; exists {
		return fmt.Errorf("user %s is already a participant of %s", userID, sessionID)
	}

	now := time.Now().UTC()
	p := &Participant{
		SessionID:    sessionID,
		UserID:       userID,
		Role:         role,
		JoinedAt:     now,
		LastActiveAt: now,
	}
	if err := r.store.UpsertParticipant(ctx, p); err != nil {
		return err
	}
	st.participants[userID] = p

	r.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("role", string(role)).
		Str("actor", actorUserID).
		Msg("Participant added")
	return nil
}

// RemoveParticipant revokes a user's access. Owners can only be removed by
// themselves, and never when they are the last owner.
func (r *Registry) RemoveParticipant(ctx context.Context, sessionID, actorUserID, userID string) error {
	st, err := r.stateFor(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	actorRole, err := st.requireParticipant(actorUserID)
	if err != nil {
		return err
	}
	if !actorRole.canManageParticipants() {
		return ErrAccessDenied
	}

	target, exists := st.participants[userID]
	if !exists {
		return fmt.Errorf("user %s is not a participant of %s", userID, sessionID)
	}
	if target.Role == RoleOwner {
		if actorUserID != userID {
			return ErrAccessDenied
		}
		if st.ownerCount() == 1 {
			return ErrLastOwner
		}
	}

	if err := r.store.DeleteParticipant(ctx, sessionID, userID); err != nil {
		return err
	}
	delete(st.participants, userID)

	r.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("actor", actorUserID).
		Msg("Participant removed")
	return nil
}

// UpdateRole changes a participant's role. An owner can only be demoted by
// itself, and never when it is the last owner.
func (r *Registry) UpdateRole(ctx context.Context, sessionID, actorUserID, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}

	st, err := r.stateFor(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	actorRole, err := st.requireParticipant(actorUserID)
	if err != nil {
		return err
	}
	if !actorRole.canManageParticipants() {
		return ErrAccessDenied
	}

	target, exists := st.participants[userID]
	if !exists {
		return fmt.Errorf("user %s is not a participant of %s", userID, sessionID)
	}
	if target.Role == role {
		return nil
	}
	if target.Role == RoleOwner {
		if actorUserID != userID {
			return ErrAccessDenied
		}
		if st.ownerCount() == 1 {
			return ErrLastOwner
		}
	}

	updated := *target
	updated.Role = role
	updated.LastActiveAt = time.Now().UTC()
	if err := r.store.UpsertParticipant(ctx, &updated); err != nil {
		return err
	}
	st.participants[userID] = &updated

	r.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("role", string(role)).
		Str("actor", actorUserID).
		Msg("Participant role updated")
	return nil
}

// ListParticipants returns the participant set for a participant, ordered
// by join time
func (r *Registry) ListParticipants(ctx context.Context, sessionID, userID string) ([]Participant, error) {
	st, err := r.stateFor(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.requireParticipant(userID); err != nil {
		return nil, err
	}

	out := make([]Participant, 0, len(st.participants))
	for _, p := range st.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// Delete permanently removes a session. Owner only.
func (r *Registry) Delete(ctx context.Context, sessionID, userID string) error {
	st, err := r.stateFor(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	role, err := st.requireParticipant(userID)
	if err != nil {
		st.mu.Unlock()
		return err
	}
	if role != RoleOwner {
		st.mu.Unlock()
		return ErrAccessDenied
	}
	wasActive := st.session.Status == StatusActive

	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		st.mu.Unlock()
		return err
	}
	st.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsDeleted.Inc()
		if wasActive {
			r.metrics.SessionsActive.Dec()
		}
	}
	r.logger.Info().Str("session_id", sessionID).Str("actor", userID).Msg("Session deleted")
	return nil
}

// Touch records access by a participant, refreshing last-access times
func (r *Registry) Touch(ctx context.Context, sessionID, userID string) {
	st, err := r.stateFor(sessionID)
	if err != nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now().UTC()
	st.session.LastAccessAt = now
	if p, ok := st.participants[userID]; ok {
		p.LastActiveAt = now
	}
}

func (st *sessionState) ownerCount() int {
	n := 0
	for _, p := range st.participants {
		if p.Role == RoleOwner {
			n++
		}
	}
	return n
}
