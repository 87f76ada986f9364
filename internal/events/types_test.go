package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/events/bus"
)

func TestChannels(t *testing.T) {
	t.Run("every event reaches global", func(t *testing.T) {
		assert.Equal(t, []string{"global"}, Channels(map[string]interface{}{"other": "x"}))
		assert.Equal(t, []string{"global"}, Channels(nil))
	})

	t.Run("workflow and agent channels derive from data", func(t *testing.T) {
		channels := Channels(map[string]interface{}{
			"workflow_id": "wf_000000000001",
			"agent_id":    "ag_000000000001",
		})
		assert.Equal(t, []string{"global", "workflow:wf_000000000001", "agent:ag_000000000001"}, channels)
	})

	t.Run("recipient feeds the agent channel", func(t *testing.T) {
		channels := Channels(map[string]interface{}{"recipient_id": "ag_000000000002"})
		assert.Equal(t, []string{"global", "agent:ag_000000000002"}, channels)
	})

	t.Run("empty ids are skipped", func(t *testing.T) {
		channels := Channels(map[string]interface{}{"workflow_id": ""})
		assert.Equal(t, []string{"global"}, channels)
	})
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "caw.global", Subject(ChannelGlobal))
	assert.Equal(t, "caw.workflow.wf_1", Subject(ChannelWorkflow("wf_1")))
	assert.Equal(t, "caw.agent.ag_1", Subject(ChannelAgent("ag_1")))
}

func TestEmitterFansOut(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	var mu sync.Mutex
	received := map[string]*bus.Event{}
	for _, subject := range []string{"caw.global", "caw.workflow.wf_1"} {
		subject := subject
		_, err := memBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			mu.Lock()
			received[subject] = event
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	emitter := NewEmitter(memBus, "test", log)
	emitter.Emit(context.Background(), TypeWorkflowStatus, map[string]interface{}{
		"workflow_id": "wf_1",
		"status":      "ready",
	})

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, received, "caw.global")
	require.Contains(t, received, "caw.workflow.wf_1")
	assert.Equal(t, TypeWorkflowStatus, received["caw.global"].Type)
	assert.Equal(t, "test", received["caw.global"].Source)
}
