package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrInvalidCredential means a presented credential failed verification
var ErrInvalidCredential = errors.New("invalid credential")

// LocalAppID is the audit application id assigned to trusted-local callers
const LocalAppID = "local"

// Identity is an authenticated caller: which user is acting, and through
// which application they arrived
type Identity struct {
	UserID string
	AppID  string
}

// Gate verifies caller credentials. A credential takes the form
// <app-id>.<user-id>.<signature>, where the signature is HMAC-SHA256 over
// "<app-id>.<user-id>" keyed with the application's shared secret.
type Gate struct {
	apps     *AppStore
	resolver LocalResolver
	logger   zerolog.Logger
}

// Config holds gate construction options
type Config struct {
	Apps   *AppStore
	Logger zerolog.Logger
	// Resolver identifies trusted-local callers; defaults to the OS user
	Resolver LocalResolver
}

// New creates a gate
func New(cfg Config) (*Gate, error) {
	if cfg.Apps == nil {
		return nil, fmt.Errorf("app store is required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = OSUserResolver{}
	}
	return &Gate{
		apps:     cfg.Apps,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
	}, nil
}

// Sign produces a credential for the given app and user. Clients hold the
// shared secret and call the equivalent on their side.
func Sign(appID, userID, secret string) string {
	payload := appID + "." + userID
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(h.Sum(nil))
}

// Authenticate verifies a credential and returns the caller's identity.
// Verification failures are indistinguishable to the caller.
func (g *Gate) Authenticate(ctx context.Context, credential string) (Identity, error) {
	appID, userID, sig, ok := splitCredential(credential)
	if !ok {
		return Identity{}, ErrInvalidCredential
	}

	app, secret, err := g.apps.lookup(ctx, appID)
	if err != nil {
		g.logger.Warn().Str("app_id", appID).Msg("Credential for unknown application")
		return Identity{}, ErrInvalidCredential
	}
	if !app.Active {
		g.logger.Warn().Str("app_id", appID).Str("user_id", userID).Msg("Credential for disabled application")
		return Identity{}, ErrInvalidCredential
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(appID + "." + userID))
	expected := hex.EncodeToString(h.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		g.logger.Warn().Str("app_id", appID).Str("user_id", userID).Msg("Credential signature mismatch")
		return Identity{}, ErrInvalidCredential
	}

	g.logger.Debug().
		Str("app_id", appID).
		Str("user_id", userID).
		Str("secret_hint", app.SecretHint).
		Msg("Caller authenticated")
	return Identity{UserID: userID, AppID: appID}, nil
}

// AuthenticateLocal resolves a trusted-local caller without a credential
func (g *Gate) AuthenticateLocal(ctx context.Context) (Identity, error) {
	userID, err := g.resolver.Resolve()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return Identity{UserID: userID, AppID: LocalAppID}, nil
}

// splitCredential parses <app>.<user>.<sig>. User ids may not contain dots;
// app ids may not either.
func splitCredential(credential string) (appID, userID, sig string, ok bool) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
