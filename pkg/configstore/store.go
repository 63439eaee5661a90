package configstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/pkg/engine"
)

// ErrNotFound is returned when a configuration id does not resolve
var ErrNotFound = errors.New("configuration not found")

// Configuration is a stored declarative agent configuration
type Configuration struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Document    engine.Document `json:"document"`
	Fingerprint string          `json:"fingerprint"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Store persists configurations in SQLite
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS configurations (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	document    TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_configurations_fingerprint ON configurations(fingerprint);
`

// New opens (or creates) the configuration store
func New(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, logger: cfg.Logger}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// FingerprintDocument computes the stable content hash of a document.
// encoding/json sorts map keys, so semantically equal documents produce
// identical fingerprints.
func FingerprintDocument(doc engine.Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize document: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Put creates or replaces a configuration. The document is validated against
// the manifest schema and its fingerprint recomputed.
func (s *Store) Put(ctx context.Context, id, name string, doc engine.Document) (*Configuration, error) {
	if id == "" {
		return nil, errors.New("configuration id is required")
	}

	if err := ValidateManifest(doc); err != nil {
		return nil, err
	}

	fingerprint, err := FingerprintDocument(doc)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO configurations (id, name, document, fingerprint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			document = excluded.document,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at`,
		id, name, string(raw), fingerprint, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to store configuration %s: %w", id, err)
	}

	s.logger.Info().
		Str("config_id", id).
		Str("fingerprint", fingerprint).
		Msg("Configuration stored")

	return s.Get(ctx, id)
}

// Get loads a configuration by id
func (s *Store) Get(ctx context.Context, id string) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, document, fingerprint, created_at, updated_at
		FROM configurations WHERE id = ?`, id)

	return scanConfiguration(row)
}

// Fingerprint returns only the content fingerprint of a configuration
func (s *Store) Fingerprint(ctx context.Context, id string) (string, error) {
	var fingerprint string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM configurations WHERE id = ?`, id).Scan(&fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load fingerprint for %s: %w", id, err)
	}
	return fingerprint, nil
}

// Delete removes a configuration. Sessions referencing it are unaffected;
// only future resumes against the id will fail.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM configurations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete configuration %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.logger.Info().Str("config_id", id).Msg("Configuration deleted")
	return nil
}

// List returns all configurations ordered by update time, newest first
func (s *Store) List(ctx context.Context) ([]*Configuration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, document, fingerprint, created_at, updated_at
		FROM configurations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	defer rows.Close()

	var configs []*Configuration
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfiguration(row rowScanner) (*Configuration, error) {
	var (
		cfg       Configuration
		rawDoc    string
		createdMs int64
		updatedMs int64
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &rawDoc, &cfg.Fingerprint, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan configuration: %w", err)
	}

	if err := json.Unmarshal([]byte(rawDoc), &cfg.Document); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document for %s: %w", cfg.ID, err)
	}
	cfg.CreatedAt = time.UnixMilli(createdMs).UTC()
	cfg.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &cfg, nil
}
