package message

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/db"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	st, err := store.Open(db.MemoryPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, log), st
}

func registerAgent(t *testing.T, st *store.Store, name string) *models.Agent {
	t.Helper()
	ctx := context.Background()
	agent := &models.Agent{Name: name, Runtime: "test", Role: models.AgentRoleWorker, Status: models.AgentStatusOnline}
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateAgent(ctx, agent)
	}))
	return agent
}

func TestSend(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	sender := registerAgent(t, st, "sender")
	recipient := registerAgent(t, st, "recipient")

	t.Run("starts a fresh thread", func(t *testing.T) {
		result, err := svc.Send(ctx, SendParams{
			SenderID:    &sender.ID,
			RecipientID: recipient.ID,
			MessageType: "status_update",
			Body:        "hello",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, result.ID)
		assert.NotEmpty(t, result.ThreadID)

		msg, err := svc.Get(ctx, result.ID, false)
		require.NoError(t, err)
		assert.Equal(t, models.MessageStatusUnread, msg.Status)
		assert.Equal(t, models.MessagePriorityNormal, msg.Priority)
	})

	t.Run("replies inherit the parent thread", func(t *testing.T) {
		first, err := svc.Send(ctx, SendParams{
			SenderID: &sender.ID, RecipientID: recipient.ID, MessageType: "question", Body: "ping",
		})
		require.NoError(t, err)
		reply, err := svc.Send(ctx, SendParams{
			SenderID: &recipient.ID, RecipientID: sender.ID, MessageType: "answer", Body: "pong",
			ReplyToID: &first.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, first.ThreadID, reply.ThreadID)

		thread, err := svc.GetThread(ctx, first.ThreadID)
		require.NoError(t, err)
		require.Len(t, thread, 2)
		assert.Equal(t, "ping", thread[0].Body)
		assert.Equal(t, "pong", thread[1].Body)
	})

	t.Run("nil sender means the system", func(t *testing.T) {
		result, err := svc.Send(ctx, SendParams{
			RecipientID: recipient.ID, MessageType: "notice", Body: "maintenance",
		})
		require.NoError(t, err)
		msg, err := svc.Get(ctx, result.ID, false)
		require.NoError(t, err)
		assert.Nil(t, msg.SenderID)
	})

	t.Run("unknown recipient is an error", func(t *testing.T) {
		_, err := svc.Send(ctx, SendParams{
			RecipientID: "ag_000000000000", MessageType: "x", Body: "y",
		})
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("unknown priority is rejected", func(t *testing.T) {
		_, err := svc.Send(ctx, SendParams{
			RecipientID: recipient.ID, MessageType: "x", Body: "y", Priority: "critical",
		})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})
}

func TestBroadcast(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	sender := registerAgent(t, st, "sender")
	registerAgent(t, st, "peer-1")
	registerAgent(t, st, "peer-2")

	t.Run("excludes the sender and shares one thread", func(t *testing.T) {
		result, err := svc.Broadcast(ctx, BroadcastParams{
			SenderID:    sender.ID,
			MessageType: "announcement",
			Body:        "all hands",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, result.SentCount)
		assert.NotEmpty(t, result.ThreadID)
		require.Len(t, result.Messages, 2)

		for _, id := range result.Messages {
			msg, err := svc.Get(ctx, id, false)
			require.NoError(t, err)
			assert.Equal(t, result.ThreadID, msg.ThreadID)
		}
	})

	t.Run("empty filter array sends nothing", func(t *testing.T) {
		result, err := svc.Broadcast(ctx, BroadcastParams{
			SenderID:    sender.ID,
			MessageType: "announcement",
			Body:        "to nobody",
			Filter:      store.AgentFilter{Statuses: []models.AgentStatus{}},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, result.SentCount)
		assert.Empty(t, result.ThreadID)
	})
}

func TestReadLifecycle(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	sender := registerAgent(t, st, "sender")
	recipient := registerAgent(t, st, "recipient")

	send := func(body string, priority models.MessagePriority) string {
		result, err := svc.Send(ctx, SendParams{
			SenderID: &sender.ID, RecipientID: recipient.ID,
			MessageType: "note", Body: body, Priority: priority,
		})
		require.NoError(t, err)
		return result.ID
	}
	first := send("one", models.MessagePriorityHigh)
	second := send("two", models.MessagePriorityLow)

	t.Run("unread count by priority", func(t *testing.T) {
		count, err := svc.CountUnread(ctx, recipient.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, count.Count)
		assert.Equal(t, 1, count.ByPriority[models.MessagePriorityHigh])
		assert.Equal(t, 1, count.ByPriority[models.MessagePriorityLow])
	})

	t.Run("get with mark_read sets read_at once", func(t *testing.T) {
		msg, err := svc.Get(ctx, first, true)
		require.NoError(t, err)
		assert.Equal(t, models.MessageStatusRead, msg.Status)
		require.NotNil(t, msg.ReadAt)
		readAt := *msg.ReadAt

		again, err := svc.Get(ctx, first, true)
		require.NoError(t, err)
		require.NotNil(t, again.ReadAt)
		assert.Equal(t, readAt, *again.ReadAt, "second read preserves the original read_at")
	})

	t.Run("mark-read is idempotent", func(t *testing.T) {
		n, err := svc.MarkRead(ctx, []string{second})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = svc.MarkRead(ctx, []string{second})
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("empty id set is a no-op", func(t *testing.T) {
		n, err := svc.MarkRead(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("archive removes from the inbox listing", func(t *testing.T) {
		n, err := svc.Archive(ctx, []string{first})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		msgs, err := svc.List(ctx, recipient.ID, store.MessageFilter{
			Statuses: []models.MessageStatus{models.MessageStatusUnread, models.MessageStatusRead},
		})
		require.NoError(t, err)
		for _, m := range msgs {
			assert.NotEqual(t, first, m.ID)
		}
	})
}

func TestList(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	sender := registerAgent(t, st, "sender")
	recipient := registerAgent(t, st, "recipient")

	for _, body := range []string{"a", "b", "c"} {
		_, err := svc.Send(ctx, SendParams{
			SenderID: &sender.ID, RecipientID: recipient.ID, MessageType: "note", Body: body,
		})
		require.NoError(t, err)
	}

	t.Run("newest first with limit", func(t *testing.T) {
		msgs, err := svc.List(ctx, recipient.ID, store.MessageFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("empty status array matches nothing", func(t *testing.T) {
		msgs, err := svc.List(ctx, recipient.ID, store.MessageFilter{Statuses: []models.MessageStatus{}})
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("unknown recipient has an empty inbox", func(t *testing.T) {
		msgs, err := svc.List(ctx, "ag_000000000000", store.MessageFilter{})
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}
