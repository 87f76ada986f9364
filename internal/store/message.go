package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/ids"
	"github.com/caw-dev/caw/internal/models"
)

const messageColumns = `id, sender_id, recipient_id, message_type, subject, body, priority, status,
	thread_id, reply_to_id, workflow_id, task_id, created_at, read_at, expires_at`

// CreateMessage inserts a message row, assigning an ID and timestamp.
func (q *queries) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = ids.New(ids.Message)
	}
	msg.CreatedAt = time.Now().UTC()
	if msg.Priority == "" {
		msg.Priority = models.MessagePriorityNormal
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusUnread
	}

	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO messages (id, sender_id, recipient_id, message_type, subject, body, priority,
			status, thread_id, reply_to_id, workflow_id, task_id, created_at, read_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, nullStr(msg.SenderID), msg.RecipientID, msg.MessageType, msg.Subject, msg.Body,
		msg.Priority, msg.Status, msg.ThreadID, nullStr(msg.ReplyToID), nullStr(msg.WorkflowID),
		nullStr(msg.TaskID), msg.CreatedAt, nullTime(msg.ReadAt), nullTime(msg.ExpiresAt))
	return err
}

// GetMessage retrieves a message by ID.
func (q *queries) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := q.ext.QueryRowxContext(ctx, q.ext.Rebind(
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	msg, err := scanMessage(row)
	if IsNoRows(err) {
		return nil, apperr.NotFound("message not found: %s", id)
	}
	return msg, err
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var senderID, replyToID, workflowID, taskID sql.NullString
	var readAt, expiresAt sql.NullTime
	err := row.Scan(&msg.ID, &senderID, &msg.RecipientID, &msg.MessageType, &msg.Subject, &msg.Body,
		&msg.Priority, &msg.Status, &msg.ThreadID, &replyToID, &workflowID, &taskID,
		&msg.CreatedAt, &readAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	msg.SenderID = strPtr(senderID)
	msg.ReplyToID = strPtr(replyToID)
	msg.WorkflowID = strPtr(workflowID)
	msg.TaskID = strPtr(taskID)
	msg.ReadAt = timePtr(readAt)
	msg.ExpiresAt = timePtr(expiresAt)
	return msg, nil
}

// MessageFilter narrows ListMessages. Non-nil empty slices match nothing.
type MessageFilter struct {
	Statuses    []models.MessageStatus
	MessageType string
	Priorities  []models.MessagePriority
	ThreadID    string
	WorkflowID  string
	Since       *time.Time
	Limit       int
}

func (f MessageFilter) matchesNothing() bool {
	return (f.Statuses != nil && len(f.Statuses) == 0) ||
		(f.Priorities != nil && len(f.Priorities) == 0)
}

// ListMessages returns messages addressed to the agent, newest first, ties
// broken by id. Expired messages are excluded.
func (q *queries) ListMessages(ctx context.Context, recipientID string, f MessageFilter) ([]*models.Message, error) {
	if f.matchesNothing() {
		return nil, nil
	}

	where := []string{`recipient_id = ?`, `(expires_at IS NULL OR expires_at > ?)`}
	args := []interface{}{recipientID, time.Now().UTC()}

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, `status IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if len(f.Priorities) > 0 {
		placeholders := make([]string, len(f.Priorities))
		for i, p := range f.Priorities {
			placeholders[i] = "?"
			args = append(args, p)
		}
		where = append(where, `priority IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if f.MessageType != "" {
		where = append(where, `message_type = ?`)
		args = append(args, f.MessageType)
	}
	if f.ThreadID != "" {
		where = append(where, `thread_id = ?`)
		args = append(args, f.ThreadID)
	}
	if f.WorkflowID != "" {
		where = append(where, `workflow_id = ?`)
		args = append(args, f.WorkflowID)
	}
	if f.Since != nil {
		where = append(where, `created_at >= ?`)
		args = append(args, *f.Since)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id` + fmt.Sprintf(` LIMIT %d`, limit)

	return q.scanMessageRows(ctx, query, args...)
}

// ListThread returns every message in a thread in chronological order.
func (q *queries) ListThread(ctx context.Context, threadID string) ([]*models.Message, error) {
	return q.scanMessageRows(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at, id`,
		threadID)
}

func (q *queries) scanMessageRows(ctx context.Context, query string, args ...interface{}) ([]*models.Message, error) {
	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkMessagesRead transitions the given messages from unread to read and
// returns how many actually changed.
func (q *queries) MarkMessagesRead(ctx context.Context, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(messageIDs))
	args := []interface{}{time.Now().UTC()}
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE messages SET status = 'read', read_at = ?
		WHERE id IN (`+strings.Join(placeholders, ", ")+`) AND status = 'unread'
	`), args...)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ArchiveMessages transitions the given messages to archived and returns how
// many actually changed.
func (q *queries) ArchiveMessages(ctx context.Context, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]interface{}, 0, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE messages SET status = 'archived'
		WHERE id IN (`+strings.Join(placeholders, ", ")+`) AND status != 'archived'
	`), args...)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// SetMessageRead marks a single message read, preserving an earlier read_at.
func (q *queries) SetMessageRead(ctx context.Context, id string, readAt time.Time) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE messages SET status = 'read', read_at = ? WHERE id = ? AND status = 'unread'
	`), readAt, id)
	return err
}

// CountUnread returns the number of unexpired unread messages for an agent,
// broken down by priority. An empty non-nil priority filter matches nothing.
func (q *queries) CountUnread(ctx context.Context, recipientID string, priorities []models.MessagePriority) (int, map[models.MessagePriority]int, error) {
	byPriority := map[models.MessagePriority]int{}
	if priorities != nil && len(priorities) == 0 {
		return 0, byPriority, nil
	}

	where := []string{`recipient_id = ?`, `status = 'unread'`, `(expires_at IS NULL OR expires_at > ?)`}
	args := []interface{}{recipientID, time.Now().UTC()}
	if len(priorities) > 0 {
		placeholders := make([]string, len(priorities))
		for i, p := range priorities {
			placeholders[i] = "?"
			args = append(args, p)
		}
		where = append(where, `priority IN (`+strings.Join(placeholders, ", ")+`)`)
	}

	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(`
		SELECT priority, COUNT(*) FROM messages
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY priority
	`), args...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var priority models.MessagePriority
		var n int
		if err := rows.Scan(&priority, &n); err != nil {
			return 0, nil, err
		}
		byPriority[priority] = n
		total += n
	}
	return total, byPriority, rows.Err()
}
