// Package message implements threaded inter-agent messaging: direct sends,
// filtered broadcast, read tracking, and unread counts.
package message

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/events"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// Service provides messaging business logic.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// NewService creates a message service.
func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "message-service")),
	}
}

// SendParams are the inputs for Send. A nil SenderID means the system is the
// sender.
type SendParams struct {
	SenderID    *string                `json:"sender_id,omitempty"`
	RecipientID string                 `json:"recipient_id"`
	MessageType string                 `json:"message_type"`
	Subject     string                 `json:"subject,omitempty"`
	Body        string                 `json:"body"`
	Priority    models.MessagePriority `json:"priority,omitempty"`
	ReplyToID   *string                `json:"reply_to_id,omitempty"`
	WorkflowID  *string                `json:"workflow_id,omitempty"`
	TaskID      *string                `json:"task_id,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
}

// SendResult identifies the new message and its thread.
type SendResult struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
}

// Send delivers one message. A reply inherits the parent's thread; an
// originating message starts a fresh one.
func (s *Service) Send(ctx context.Context, params SendParams) (*SendResult, error) {
	if params.RecipientID == "" {
		return nil, apperr.Validation("recipient_id is required")
	}
	if params.MessageType == "" {
		return nil, apperr.Validation("message_type is required")
	}
	if params.Priority != "" && !models.ValidPriority(params.Priority) {
		return nil, apperr.Validation("unknown priority: %s", params.Priority)
	}

	var result *SendResult
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		result, err = sendOne(ctx, tx, params, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// sendOne validates participants and inserts one message in the caller's
// transaction. A non-empty threadID forces the thread (broadcast fan-out).
func sendOne(ctx context.Context, tx *store.Tx, params SendParams, threadID string) (*SendResult, error) {
	if _, err := tx.GetAgent(ctx, params.RecipientID); err != nil {
		return nil, err
	}
	if params.SenderID != nil {
		if _, err := tx.GetAgent(ctx, *params.SenderID); err != nil {
			return nil, err
		}
	}
	if threadID == "" {
		if params.ReplyToID != nil {
			parent, err := tx.GetMessage(ctx, *params.ReplyToID)
			if err != nil {
				return nil, err
			}
			threadID = parent.ThreadID
		} else {
			threadID = uuid.NewString()
		}
	}

	msg := &models.Message{
		SenderID:    params.SenderID,
		RecipientID: params.RecipientID,
		MessageType: params.MessageType,
		Subject:     params.Subject,
		Body:        params.Body,
		Priority:    params.Priority,
		ThreadID:    threadID,
		ReplyToID:   params.ReplyToID,
		WorkflowID:  params.WorkflowID,
		TaskID:      params.TaskID,
		ExpiresAt:   params.ExpiresAt,
	}
	if err := tx.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"message_id":   msg.ID,
		"recipient_id": msg.RecipientID,
		"thread_id":    msg.ThreadID,
		"priority":     string(msg.Priority),
	}
	if msg.WorkflowID != nil {
		data["workflow_id"] = *msg.WorkflowID
	}
	tx.Emit(events.TypeMessageNew, data)

	return &SendResult{ID: msg.ID, ThreadID: msg.ThreadID}, nil
}

// BroadcastParams are the inputs for Broadcast. The recipient filter selects
// agents by role, runtime, and status; an empty-array status matches nothing.
type BroadcastParams struct {
	SenderID    string                 `json:"sender_id"`
	MessageType string                 `json:"message_type"`
	Subject     string                 `json:"subject,omitempty"`
	Body        string                 `json:"body"`
	Priority    models.MessagePriority `json:"priority,omitempty"`
	WorkflowID  *string                `json:"workflow_id,omitempty"`
	TaskID      *string                `json:"task_id,omitempty"`
	Filter      store.AgentFilter      `json:"recipient_filter"`
}

// BroadcastResult reports the fan-out.
type BroadcastResult struct {
	SentCount int      `json:"sent_count"`
	ThreadID  string   `json:"thread_id,omitempty"`
	Messages  []string `json:"message_ids"`
}

// Broadcast sends one message per agent matching the filter, excluding the
// sender. All copies share a single thread.
func (s *Service) Broadcast(ctx context.Context, params BroadcastParams) (*BroadcastResult, error) {
	if params.SenderID == "" {
		return nil, apperr.Validation("sender_id is required")
	}
	if params.MessageType == "" {
		return nil, apperr.Validation("message_type is required")
	}

	result := &BroadcastResult{Messages: []string{}}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetAgent(ctx, params.SenderID); err != nil {
			return err
		}
		recipients, err := tx.ListAgents(ctx, params.Filter)
		if err != nil {
			return err
		}

		threadID := uuid.NewString()
		senderID := params.SenderID
		for _, recipient := range recipients {
			if recipient.ID == senderID {
				continue
			}
			sent, err := sendOne(ctx, tx, SendParams{
				SenderID:    &senderID,
				RecipientID: recipient.ID,
				MessageType: params.MessageType,
				Subject:     params.Subject,
				Body:        params.Body,
				Priority:    params.Priority,
				WorkflowID:  params.WorkflowID,
				TaskID:      params.TaskID,
			}, threadID)
			if err != nil {
				return err
			}
			result.Messages = append(result.Messages, sent.ID)
		}
		result.SentCount = len(result.Messages)
		if result.SentCount > 0 {
			result.ThreadID = threadID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("broadcast sent",
		zap.String("sender_id", params.SenderID), zap.Int("sent_count", result.SentCount))
	return result, nil
}

// List returns the agent's inbox, newest first. Expired messages are
// excluded; empty-array filters match nothing.
func (s *Service) List(ctx context.Context, agentID string, filter store.MessageFilter) ([]*models.Message, error) {
	msgs, err := s.store.ListMessages(ctx, agentID, filter)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return msgs, nil
}

// Get returns one message; with markRead set, an unread message transitions
// to read. The original read_at survives repeated reads.
func (s *Service) Get(ctx context.Context, id string, markRead bool) (*models.Message, error) {
	if !markRead {
		return s.store.GetMessage(ctx, id)
	}
	var msg *models.Message
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		msg, err = tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if msg.Status != models.MessageStatusUnread {
			return nil
		}
		now := time.Now().UTC()
		if err := tx.SetMessageRead(ctx, id, now); err != nil {
			return err
		}
		msg.Status = models.MessageStatusRead
		msg.ReadAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkRead transitions currently-unread messages to read and returns how many
// actually changed.
func (s *Service) MarkRead(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var updated int
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		updated, err = tx.MarkMessagesRead(ctx, ids)
		return err
	})
	return updated, err
}

// Archive transitions non-archived messages to archived and returns how many
// actually changed.
func (s *Service) Archive(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var updated int
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		updated, err = tx.ArchiveMessages(ctx, ids)
		return err
	})
	return updated, err
}

// UnreadCount is an unread summary for one agent.
type UnreadCount struct {
	Count      int                            `json:"count"`
	ByPriority map[models.MessagePriority]int `json:"by_priority"`
}

// CountUnread counts the agent's unread messages, optionally narrowed to a
// priority subset.
func (s *Service) CountUnread(ctx context.Context, agentID string, priorities []models.MessagePriority) (*UnreadCount, error) {
	total, byPriority, err := s.store.CountUnread(ctx, agentID, priorities)
	if err != nil {
		return nil, err
	}
	return &UnreadCount{Count: total, ByPriority: byPriority}, nil
}

// GetThread returns every message in a thread, oldest first.
func (s *Service) GetThread(ctx context.Context, threadID string) ([]*models.Message, error) {
	msgs, err := s.store.ListThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return msgs, nil
}
