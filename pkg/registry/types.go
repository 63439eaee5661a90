package registry

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session id does not resolve on an
// internal path where the caller's access is already established. Identified
// callers probing unknown ids get ErrAccessDenied instead.
var ErrSessionNotFound = errors.New("session not found")

// ErrAccessDenied is returned for any authorization failure. It never
// distinguishes "session does not exist for you" from "not yours", so
// callers cannot enumerate other tenants' sessions.
var ErrAccessDenied = errors.New("access denied")

// ErrInvalidTransition is returned for an illegal status transition
var ErrInvalidTransition = errors.New("invalid session state transition")

// ErrLastOwner is returned when an operation would leave a session without
// an owner
var ErrLastOwner = errors.New("session must keep at least one owner")

// Status is the session lifecycle state
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Role is a participant's access level on a session
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// canManageParticipants reports whether the role may mutate the participant set
func (r Role) canManageParticipants() bool {
	return r == RoleOwner || r == RoleEditor
}

// Session is a live conversational session created from a configuration.
// ConfigID is a reference, not ownership: deleting the configuration does
// not delete the session, it only prevents future resumes.
type Session struct {
	ID            string    `json:"id"`
	ConfigID      string    `json:"config_id"`
	OwnerUserID   string    `json:"owner_user_id"`
	CreatingAppID string    `json:"creating_app_id"`
	Status        Status    `json:"status"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastAccessAt  time.Time `json:"last_access_at"`
}

// Turn is one completed request/response exchange in a transcript. The
// message counter counts turns, so it always equals transcript length.
type Turn struct {
	Request   string    `json:"request"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Participant grants a user access to a session, independent of which
// application they authenticate through
type Participant struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// canTransition implements the status state machine. Forward edges only,
// except the resume edge which reactivates completed or cancelled sessions.
func canTransition(from, to Status, resume bool) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusActive:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusCompleted, StatusCancelled:
		return resume && to == StatusActive
	case StatusFailed:
		return false
	}
	return false
}
