package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/ids"
	"github.com/caw-dev/caw/internal/models"
)

// CreateCheckpoint appends a checkpoint to the task's ledger, computing the
// next per-task sequence. Must run inside the caller's transaction so the
// MAX+1 read and the insert are atomic.
func (q *queries) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = ids.New(ids.Checkpoint)
	}
	cp.CreatedAt = time.Now().UTC()

	var next int
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE task_id = ?`), cp.TaskID).Scan(&next)
	if err != nil {
		return err
	}
	cp.Sequence = next

	var detail sql.NullString
	if cp.Detail != nil {
		data, err := json.Marshal(cp.Detail)
		if err != nil {
			return apperr.Validation("checkpoint detail is not serializable: %v", err)
		}
		detail = sql.NullString{String: string(data), Valid: true}
	}
	var filesChanged sql.NullString
	if cp.FilesChanged != nil {
		filesChanged = sql.NullString{String: marshalStrings(cp.FilesChanged), Valid: true}
	}

	_, err = q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO checkpoints (id, task_id, sequence, checkpoint_type, summary, detail,
			files_changed, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), cp.ID, cp.TaskID, cp.Sequence, cp.Type, cp.Summary, detail, filesChanged,
		cp.TokensUsed, cp.CreatedAt)
	return err
}

// CheckpointFilter narrows ListCheckpoints. A non-nil empty Types slice
// matches nothing.
type CheckpointFilter struct {
	Types         []models.CheckpointType
	SinceSequence int
	Limit         int
}

// ListCheckpoints returns a task's checkpoints ordered by sequence ascending.
func (q *queries) ListCheckpoints(ctx context.Context, taskID string, f CheckpointFilter) ([]*models.Checkpoint, error) {
	if f.Types != nil && len(f.Types) == 0 {
		return nil, nil
	}

	query := `SELECT id, task_id, sequence, checkpoint_type, summary, detail, files_changed,
		tokens_used, created_at FROM checkpoints WHERE task_id = ?`
	args := []interface{}{taskID}

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` AND checkpoint_type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if f.SinceSequence > 0 {
		query += ` AND sequence > ?`
		args = append(args, f.SinceSequence)
	}
	query += ` ORDER BY sequence`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []*models.Checkpoint
	for rows.Next() {
		cp := &models.Checkpoint{}
		var detail, filesChanged sql.NullString
		if err := rows.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &cp.Type, &cp.Summary,
			&detail, &filesChanged, &cp.TokensUsed, &cp.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			cp.Detail = unmarshalMap(detail.String)
		}
		if filesChanged.Valid {
			cp.FilesChanged = unmarshalStrings(filesChanged.String)
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// DeleteCheckpointsByTask removes a task's entire ledger (replan cleanup).
func (q *queries) DeleteCheckpointsByTask(ctx context.Context, taskID string) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(
		`DELETE FROM checkpoints WHERE task_id = ?`), taskID)
	return err
}
