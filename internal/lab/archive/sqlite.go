// Package archive persists terminated sessions to sqlite so they stay
// inspectable after the in-memory table purges them.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/logger"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// SQLiteArchive stores terminated session records in a local sqlite
// database.
type SQLiteArchive struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLiteArchive opens (or creates) the archive database at path.
func NewSQLiteArchive(path string, log *logger.Logger) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	a := &SQLiteArchive{
		db:     db,
		logger: log.WithFields(zap.String("component", "archive")),
	}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	a.logger.Info("session archive opened", zap.String("path", path))
	return a, nil
}

func (a *SQLiteArchive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS terminated_sessions (
		id             TEXT PRIMARY KEY,
		owner_id       TEXT NOT NULL,
		course_id      TEXT NOT NULL,
		profile        TEXT NOT NULL,
		state          TEXT NOT NULL,
		failure_reason TEXT,
		health         TEXT,
		created_at     TIMESTAMP NOT NULL,
		terminated_at  TIMESTAMP,
		archived_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_terminated_sessions_owner ON terminated_sessions(owner_id);
	CREATE INDEX IF NOT EXISTS idx_terminated_sessions_archived ON terminated_sessions(archived_at);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate archive schema: %w", err)
	}
	return nil
}

// Record upserts a terminated session. Re-recording the same session is
// harmless so teardown can be retried.
func (a *SQLiteArchive) Record(ctx context.Context, session *v1.LabSession) error {
	health, err := json.Marshal(session.Health)
	if err != nil {
		return fmt.Errorf("failed to encode health snapshot: %w", err)
	}

	var terminatedAt interface{}
	if session.TerminatedAt != nil {
		terminatedAt = *session.TerminatedAt
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO terminated_sessions
			(id, owner_id, course_id, profile, state, failure_reason, health, created_at, terminated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			failure_reason = excluded.failure_reason,
			health = excluded.health,
			terminated_at = excluded.terminated_at`,
		session.ID, session.OwnerID, session.CourseID, session.Profile,
		string(session.State), session.FailureReason, string(health),
		session.CreatedAt, terminatedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns one archived session record.
func (a *SQLiteArchive) Get(ctx context.Context, sessionID string) (*v1.LabSession, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, owner_id, course_id, profile, state, failure_reason, health, created_at, terminated_at
		FROM terminated_sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// ListByOwner returns the archived sessions of one owner, newest first.
func (a *SQLiteArchive) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*v1.LabSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, owner_id, course_id, profile, state, failure_reason, health, created_at, terminated_at
		FROM terminated_sessions WHERE owner_id = ?
		ORDER BY archived_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var sessions []*v1.LabSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// PurgeOlderThan deletes records archived before the cutoff and returns
// the number removed.
func (a *SQLiteArchive) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM terminated_sessions WHERE archived_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge archive: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the archive database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*v1.LabSession, error) {
	var (
		sess         v1.LabSession
		state        string
		health       sql.NullString
		reason       sql.NullString
		terminatedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.CourseID, &sess.Profile,
		&state, &reason, &health, &sess.CreatedAt, &terminatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found in archive")
		}
		return nil, fmt.Errorf("failed to scan archived session: %w", err)
	}

	sess.State = v1.SessionState(state)
	sess.FailureReason = reason.String
	if terminatedAt.Valid {
		t := terminatedAt.Time
		sess.TerminatedAt = &t
	}
	if health.Valid && health.String != "" && health.String != "null" {
		if err := json.Unmarshal([]byte(health.String), &sess.Health); err != nil {
			return nil, fmt.Errorf("failed to decode health snapshot: %w", err)
		}
	}
	return &sess, nil
}
