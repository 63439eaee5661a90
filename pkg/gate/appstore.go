package gate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrAppNotFound means no registered application matches the given id
var ErrAppNotFound = errors.New("application not found")

// Application is a registered client application. Applications never grant
// access by themselves; they only identify which surface a user came through.
type Application struct {
	ID          string
	DisplayName string
	// SecretHint is the first 8 hex chars of the secret's SHA-256, for
	// audit logs
	SecretHint string
	Active     bool
	CreatedAt  time.Time
}

// AppStore persists registered applications and their shared secrets
type AppStore struct {
	db *sql.DB
}

const appSchemaSQL = `
CREATE TABLE IF NOT EXISTS applications (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	secret       TEXT NOT NULL,
	secret_hint  TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   INTEGER NOT NULL
);
`

// NewAppStore opens (or creates) the application database
func NewAppStore(dbPath string) (*AppStore, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(appSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &AppStore{db: db}, nil
}

// Close closes the underlying database
func (s *AppStore) Close() error {
	return s.db.Close()
}

// Register creates a new application and returns its generated shared secret.
// The secret is only returned here; afterwards only its hint is exposed.
func (s *AppStore) Register(ctx context.Context, id, displayName string) (string, error) {
	if id == "" {
		return "", errors.New("application id is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(raw)
	hint := secretHint(secret)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO applications (id, display_name, secret, secret_hint, active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		id, displayName, secret, hint, time.Now().UTC().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to register application %s: %w", id, err)
	}
	return secret, nil
}

// Get returns a registered application
func (s *AppStore) Get(ctx context.Context, id string) (*Application, error) {
	app, _, err := s.lookup(ctx, id)
	return app, err
}

// SetActive enables or disables an application. Disabled applications fail
// authentication for every user.
func (s *AppStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE applications SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update application %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAppNotFound, id)
	}
	return nil
}

// List returns all registered applications
func (s *AppStore) List(ctx context.Context) ([]Application, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, secret_hint, active, created_at FROM applications ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		var app Application
		var createdAt int64
		if err := rows.Scan(&app.ID, &app.DisplayName, &app.SecretHint, &app.Active, &createdAt); err != nil {
			return nil, err
		}
		app.CreatedAt = time.Unix(createdAt, 0).UTC()
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (s *AppStore) lookup(ctx context.Context, id string) (*Application, string, error) {
	var app Application
	var secret string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, secret, secret_hint, active, created_at FROM applications WHERE id = ?`,
		id,
	).Scan(&app.ID, &app.DisplayName, &secret, &app.SecretHint, &app.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", ErrAppNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load application %s: %w", id, err)
	}
	app.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &app, secret, nil
}

func secretHint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}
