package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists sessions, participants, and transcripts in SQLite. It is
// a write-through backing for the in-memory registry, not an access path of
// its own.
type Store struct {
	db *sql.DB
}

const storeSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	config_id       TEXT NOT NULL,
	owner_user_id   TEXT NOT NULL,
	creating_app_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	message_count   INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	last_access_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS participants (
	session_id     TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	role           TEXT NOT NULL,
	joined_at      INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, user_id)
);
CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	request    TEXT NOT NULL,
	response   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_user_id);
CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);
`

// NewStore opens (or creates) the session database
func NewStore(dbPath string) (*Store, error) {
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

	if _, err := db.Exec(storeSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint truncates the WAL so it does not grow unbounded under
// write-through load
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// InsertSession writes a new session and its owner participant atomically
func (s *Store) InsertSession(ctx context.Context, sess *Session, owner *Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, config_id, owner_user_id, creating_app_id, status, message_count, created_at, updated_at, last_access_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ConfigID, sess.OwnerUserID, sess.CreatingAppID, string(sess.Status),
		sess.MessageCount, sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(), sess.LastAccessAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}

	if err := upsertParticipantTx(ctx, tx, owner); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateSession rewrites mutable session fields
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, message_count = ?, updated_at = ?, last_access_at = ?
		WHERE id = ?`,
		string(sess.Status), sess.MessageCount, sess.UpdatedAt.UnixMilli(), sess.LastAccessAt.UnixMilli(), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	return nil
}

// AppendTurn writes one transcript row and the session's updated counters
// in a single transaction
func (s *Store) AppendTurn(ctx context.Context, sess *Session, seq int, turn Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (session_id, seq, request, response, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, seq, turn.Request, turn.Response, turn.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append turn to %s: %w", sess.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = ?, updated_at = ?, last_access_at = ?
		WHERE id = ?`,
		sess.MessageCount, sess.UpdatedAt.UnixMilli(), sess.LastAccessAt.UnixMilli(), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update counters for %s: %w", sess.ID, err)
	}

	return tx.Commit()
}

// UpsertParticipant writes one participant row
func (s *Store) UpsertParticipant(ctx context.Context, p *Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertParticipantTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertParticipantTx(ctx context.Context, tx *sql.Tx, p *Participant) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO participants (session_id, user_id, role, joined_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, user_id) DO UPDATE SET
			role = excluded.role,
			last_active_at = excluded.last_active_at`,
		p.SessionID, p.UserID, string(p.Role), p.JoinedAt.UnixMilli(), p.LastActiveAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert participant %s on %s: %w", p.UserID, p.SessionID, err)
	}
	return nil
}

// DeleteParticipant removes one participant row
func (s *Store) DeleteParticipant(ctx context.Context, sessionID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM participants WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete participant %s on %s: %w", userID, sessionID, err)
	}
	return nil
}

// DeleteSession removes the session and all dependent rows
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM turns WHERE session_id = ?`,
		`DELETE FROM participants WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
		}
	}
	return tx.Commit()
}

// sessionRecord is a fully hydrated session row
type sessionRecord struct {
	session      Session
	transcript   []Turn
	participants []Participant
}

// LoadAll hydrates every session with its participants and transcript
func (s *Store) LoadAll(ctx context.Context) ([]*sessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, owner_user_id, creating_app_id, status, message_count, created_at, updated_at, last_access_at
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*sessionRecord)
	var records []*sessionRecord
	for rows.Next() {
		var (
			sess                            Session
			status                          string
			createdMs, updatedMs, accessMs int64
		)
		if err := rows.Scan(&sess.ID, &sess.ConfigID, &sess.OwnerUserID, &sess.CreatingAppID,
			&status, &sess.MessageCount, &createdMs, &updatedMs, &accessMs); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.Status = Status(status)
		sess.CreatedAt = time.UnixMilli(createdMs).UTC()
		sess.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		sess.LastAccessAt = time.UnixMilli(accessMs).UTC()

		rec := &sessionRecord{session: sess}
		byID[sess.ID] = rec
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadParticipants(ctx, byID); err != nil {
		return nil, err
	}
	if err := s.loadTurns(ctx, byID); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) loadParticipants(ctx context.Context, byID map[string]*sessionRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, role, joined_at, last_active_at FROM participants`)
	if err != nil {
		return fmt.Errorf("failed to load participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p                  Participant
			role               string
			joinedMs, activeMs int64
		)
		if err := rows.Scan(&p.SessionID, &p.UserID, &role, &joinedMs, &activeMs); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Role = Role(role)
		p.JoinedAt = time.UnixMilli(joinedMs).UTC()
		p.LastActiveAt = time.UnixMilli(activeMs).UTC()

		if rec, ok := byID[p.SessionID]; ok {
			rec.participants = append(rec.participants, p)
		}
	}
	return rows.Err()
}

func (s *Store) loadTurns(ctx context.Context, byID map[string]*sessionRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, request, response, created_at FROM turns ORDER BY session_id, seq`)
	if err != nil {
		return fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sessionID string
			turn      Turn
			createdMs int64
		)
		if err := rows.Scan(&sessionID, &turn.Request, &turn.Response, &createdMs); err != nil {
			return fmt.Errorf("failed to scan turn: %w", err)
		}
		turn.Timestamp = time.UnixMilli(createdMs).UTC()

		if rec, ok := byID[sessionID]; ok {
			rec.transcript = append(rec.transcript, turn)
		}
	}
	return rows.Err()
}
