package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	return openRegistry(t, dbPath), dbPath
}

func openRegistry(t *testing.T, dbPath string) *Registry {
	t.Helper()
	store, err := NewStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := New(Config{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return reg
}

func mustCreate(t *testing.T, reg *Registry, owner string) *Session {
	t.Helper()
	sess, err := reg.Create(context.Background(), "cfg-1", owner, "app-1")
	require.NoError(t, err)
	return sess
}

func TestRegistry_CreateRegistersOwner(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")
	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, 0, sess.MessageCount)
	assert.Equal(t, "cfg-1", sess.ConfigID)

	participants, err := reg.ListParticipants(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, RoleOwner, participants[0].Role)
	assert.Equal(t, "alice", participants[0].UserID)
}

func TestRegistry_GetAccessControl(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")

	_, err := reg.Get(ctx, sess.ID, "alice")
	assert.NoError(t, err)

	_, err = reg.Get(ctx, sess.ID, "mallory")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = reg.Get(ctx, "no-such-session", "alice")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestRegistry_ForeignAndAbsentSessionsIndistinguishable(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")

	// A caller with no participant entry must get the same error whether
	// the session exists or not, so ids cannot be enumerated by probing.
	_, errForeign := reg.Get(ctx, sess.ID, "mallory")
	_, errAbsent := reg.Get(ctx, "no-such-session", "mallory")
	require.ErrorIs(t, errForeign, ErrAccessDenied)
	require.ErrorIs(t, errAbsent, ErrAccessDenied)
	assert.Equal(t, errForeign.Error(), errAbsent.Error())

	_, errForeign = reg.Transcript(ctx, sess.ID, "mallory")
	_, errAbsent = reg.Transcript(ctx, "no-such-session", "mallory")
	assert.Equal(t, errForeign.Error(), errAbsent.Error())

	_, errForeign = reg.ListParticipants(ctx, sess.ID, "mallory")
	_, errAbsent = reg.ListParticipants(ctx, "no-such-session", "mallory")
	assert.Equal(t, errForeign.Error(), errAbsent.Error())

	errForeign = reg.Delete(ctx, sess.ID, "mallory")
	errAbsent = reg.Delete(ctx, "no-such-session", "mallory")
	assert.Equal(t, errForeign.Error(), errAbsent.Error())
}

func TestRegistry_AppendTurnKeepsCounterConsistent(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")

	for i := 1; i <= 3; i++ {
		updated, err := reg.AppendTurn(ctx, sess.ID, Turn{
			Request:  fmt.Sprintf("q%d", i),
			Response: fmt.Sprintf("a%d", i),
		})
		require.NoError(t, err)
		assert.Equal(t, i, updated.MessageCount)
	}

	transcript, err := reg.Transcript(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, transcript, 3)
	assert.Equal(t, "q1", transcript[0].Request)
	assert.Equal(t, "a3", transcript[2].Response)
}

func TestRegistry_ConcurrentAppendsDoNotCorrupt(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.AppendTurn(ctx, sess.ID, Turn{
				Request:  fmt.Sprintf("q%d", i),
				Response: fmt.Sprintf("a%d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := reg.Get(ctx, sess.ID, "alice")
	require.NoError(t, err)
	transcript, err := reg.Transcript(ctx, sess.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, n, got.MessageCount)
	assert.Equal(t, got.MessageCount, len(transcript), "counter always equals transcript length")
}

func TestRegistry_AppendTurnRejectedWhenNotActive(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")
	require.NoError(t, reg.TransitionStatus(ctx, sess.ID, StatusCompleted))

	_, err := reg.AppendTurn(ctx, sess.ID, Turn{Request: "q", Response: "a"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRegistry_StatusMachine(t *testing.T) {
	tests := []struct {
		name      string
		from      Status
		to        Status
		shouldErr bool
	}{
		{"active to completed", StatusActive, StatusCompleted, false},
		{"active to failed", StatusActive, StatusFailed, false},
		{"active to cancelled", StatusActive, StatusCancelled, false},
		{"completed to active without resume", StatusCompleted, StatusActive, true},
		{"cancelled to active without resume", StatusCancelled, StatusActive, true},
		{"completed to failed", StatusCompleted, StatusFailed, true},
		{"failed to active", StatusFailed, StatusActive, true},
		{"failed to completed", StatusFailed, StatusCompleted, true},
		{"self transition", StatusActive, StatusActive, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := setupTestRegistry(t)
			ctx := context.Background()
			sess := mustCreate(t, reg, "alice")

			if tt.from != StatusActive {
				require.NoError(t, reg.TransitionStatus(ctx, sess.ID, tt.from))
			}

			err := reg.TransitionStatus(ctx, sess.ID, tt.to)
			if tt.shouldErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_Reactivate(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")

	// Already active: no-op
	resumed, err := reg.Reactivate(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, resumed)

	require.NoError(t, reg.TransitionStatus(ctx, sess.ID, StatusCompleted))
	resumed, err = reg.Reactivate(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, resumed)

	got, err := reg.Get(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	// Failed sessions cannot be reactivated
	require.NoError(t, reg.TransitionStatus(ctx, sess.ID, StatusFailed))
	_, err = reg.Reactivate(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRegistry_ConcurrentReactivate(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")
	require.NoError(t, reg.TransitionStatus(ctx, sess.ID, StatusCompleted))

	const n = 8
	resumed := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := reg.Reactivate(ctx, sess.ID)
			assert.NoError(t, err)
			resumed[i] = ok
		}(i)
	}
	wg.Wait()

	transitions := 0
	for _, ok := range resumed {
		if ok {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions, "exactly one racing resume performs the transition")

	got, err := reg.Get(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestRegistry_ParticipantManagement(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")

	// Owner adds an editor and a viewer
	require.NoError(t, reg.AddParticipant(ctx, sess.ID, "alice", "bob", RoleEditor))
	require.NoError(t, reg.AddParticipant(ctx, sess.ID, "alice", "carol", RoleViewer))

	// Editor may add participants; viewer may not
	require.NoError(t, reg.AddParticipant(ctx, sess.ID, "bob", "dave", RoleViewer))
	err := reg.AddParticipant(ctx, sess.ID, "carol", "eve", RoleViewer)
	assert.ErrorIs(t, err, ErrAccessDenied)

	// Non-participant cannot touch the set
	err = reg.AddParticipant(ctx, sess.ID, "mallory", "eve", RoleViewer)
	assert.ErrorIs(t, err, ErrAccessDenied)

	// Duplicate add is rejected
	assert.Error(t, reg.AddParticipant(ctx, sess.ID, "alice", "bob", RoleViewer))

	participants, err := reg.ListParticipants(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, participants, 4)
}

func TestRegistry_OwnerProtections(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")
	require.NoError(t, reg.AddParticipant(ctx, sess.ID, "alice", "bob", RoleEditor))

	// An editor cannot demote or remove the owner
	err := reg.UpdateRole(ctx, sess.ID, "bob", "alice", RoleViewer)
	assert.ErrorIs(t, err, ErrAccessDenied)
	err = reg.RemoveParticipant(ctx, sess.ID, "bob", "alice")
	assert.ErrorIs(t, err, ErrAccessDenied)

	// The owner cannot demote or remove itself while it is the last owner
	err = reg.UpdateRole(ctx, sess.ID, "alice", "alice", RoleEditor)
	assert.ErrorIs(t, err, ErrLastOwner)
	err = reg.RemoveParticipant(ctx, sess.ID, "alice", "alice")
	assert.ErrorIs(t, err, ErrLastOwner)

	// With a second owner it can step down
	require.NoError(t, reg.UpdateRole(ctx, sess.ID, "alice", "bob", RoleOwner))
	require.NoError(t, reg.UpdateRole(ctx, sess.ID, "alice", "alice", RoleEditor))

	participants, err := reg.ListParticipants(ctx, sess.ID, "bob")
	require.NoError(t, err)
	roles := map[string]Role{}
	for _, p := range participants {
		roles[p.UserID] = p.Role
	}
	assert.Equal(t, RoleEditor, roles["alice"])
	assert.Equal(t, RoleOwner, roles["bob"])
}

func TestRegistry_PromoteToOwnerNeedsSelfDemotionRules(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")
	require.NoError(t, reg.AddParticipant(ctx, sess.ID, "alice", "bob", RoleViewer))

	// Promoting a non-owner is a plain role change
	require.NoError(t, reg.UpdateRole(ctx, sess.ID, "alice", "bob", RoleOwner))

	// Now bob, as an owner, can remove himself since alice remains
	require.NoError(t, reg.RemoveParticipant(ctx, sess.ID, "bob", "bob"))
}

func TestRegistry_DeleteRequiresOwner(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")
	require.NoError(t, reg.AddParticipant(ctx, sess.ID, "alice", "bob", RoleEditor))

	err := reg.Delete(ctx, sess.ID, "bob")
	assert.ErrorIs(t, err, ErrAccessDenied)

	require.NoError(t, reg.Delete(ctx, sess.ID, "alice"))

	_, err = reg.Get(ctx, sess.ID, "alice")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestRegistry_List(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		sess := mustCreate(t, reg, "alice")
		ids = append(ids, sess.ID)
	}
	other := mustCreate(t, reg, "bob")

	sessions, err := reg.List(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 5)
	for _, s := range sessions {
		assert.NotEqual(t, other.ID, s.ID)
	}

	page, err := reg.List(ctx, "alice", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := reg.List(ctx, "alice", 10, 4)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	empty, err := reg.List(ctx, "alice", 10, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_ = ids
}

func TestRegistry_SurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	reg := openRegistry(t, dbPath)
	ctx := context.Background()

	sess := mustCreate(t, reg, "alice")
	require.NoError(t, reg.AddParticipant(ctx, sess.ID, "alice", "bob", RoleEditor))
	_, err := reg.AppendTurn(ctx, sess.ID, Turn{Request: "ping", Response: "pong"})
	require.NoError(t, err)
	require.NoError(t, reg.TransitionStatus(ctx, sess.ID, StatusCompleted))

	// Fresh registry over the same database
	reg2 := openRegistry(t, dbPath)

	got, err := reg2.Get(ctx, sess.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, got.MessageCount)

	transcript, err := reg2.Transcript(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, "ping", transcript[0].Request)
	assert.Equal(t, "pong", transcript[0].Response)

	participants, err := reg2.ListParticipants(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, participants, 2)
}
