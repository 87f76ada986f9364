package store

import (
	"context"
	"time"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/ids"
	"github.com/caw-dev/caw/internal/models"
)

// CreateSession inserts a session row, assigning an ID and timestamps.
func (q *queries) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = ids.New(ids.Session)
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	if session.LastHeartbeat.IsZero() {
		session.LastHeartbeat = now
	}

	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO sessions (id, pid, is_daemon, metadata, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), session.ID, session.PID, session.IsDaemon, marshalMap(session.Metadata),
		session.LastHeartbeat, session.CreatedAt)
	return err
}

// GetSession retrieves a session by ID.
func (q *queries) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var metadata string
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(`
		SELECT id, pid, is_daemon, metadata, last_heartbeat, created_at
		FROM sessions WHERE id = ?
	`), id).Scan(&session.ID, &session.PID, &session.IsDaemon, &metadata,
		&session.LastHeartbeat, &session.CreatedAt)
	if IsNoRows(err) {
		return nil, apperr.NotFound("session not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	session.Metadata = unmarshalMap(metadata)
	return session, nil
}

// DeleteSession removes the session row. Workflow locks it held become
// stale; the next lock attempt by another session takes over.
func (q *queries) DeleteSession(ctx context.Context, id string) error {
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("session not found: %s", id)
	}
	return nil
}

// TouchSession updates the session heartbeat.
func (q *queries) TouchSession(ctx context.Context, id string) error {
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(
		`UPDATE sessions SET last_heartbeat = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("session not found: %s", id)
	}
	return nil
}
