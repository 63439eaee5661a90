package gate

import (
	"fmt"
	"os/user"
)

// LocalResolver resolves the identity of a caller connecting over a trusted
// local transport, where no credential is presented
type LocalResolver interface {
	// Resolve returns the local caller's user identifier
	Resolve() (string, error)
}

// OSUserResolver resolves local callers to the operating-system user running
// the client process
type OSUserResolver struct{}

// Resolve returns the current OS username
func (OSUserResolver) Resolve() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to resolve local user: %w", err)
	}
	return u.Username, nil
}

// StaticResolver always resolves to a fixed user. Useful for tests and for
// single-user deployments.
type StaticResolver struct {
	UserID string
}

// Resolve returns the configured user
func (r StaticResolver) Resolve() (string, error) {
	if r.UserID == "" {
		return "", fmt.Errorf("no user configured")
	}
	return r.UserID, nil
}
