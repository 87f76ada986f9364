// Package events defines the orchestration event vocabulary and the emitter
// services use to publish after commit.
package events

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/config"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/events/bus"
)

// Event types emitted by the core services.
const (
	TypeWorkflowStatus    = "workflow:status"
	TypeTaskUpdated       = "task:updated"
	TypeAgentRegistered   = "agent:registered"
	TypeAgentHeartbeat    = "agent:heartbeat"
	TypeAgentUnregistered = "agent:unregistered"
	TypeMessageNew        = "message:new"
)

// Channel names fan events out to interested listeners. Every event reaches
// "global"; workflow- and agent-scoped channels are derived from the data.
const ChannelGlobal = "global"

// ChannelWorkflow returns the channel for a workflow's events.
func ChannelWorkflow(workflowID string) string { return "workflow:" + workflowID }

// ChannelAgent returns the channel for an agent's events.
func ChannelAgent(agentID string) string { return "agent:" + agentID }

// Channels derives the channel set for an event from its data. The data keys
// workflow_id, agent_id, and recipient_id feed scoped channels.
func Channels(data map[string]interface{}) []string {
	channels := []string{ChannelGlobal}
	if id, ok := data["workflow_id"].(string); ok && id != "" {
		channels = append(channels, ChannelWorkflow(id))
	}
	if id, ok := data["agent_id"].(string); ok && id != "" {
		channels = append(channels, ChannelAgent(id))
	}
	if id, ok := data["recipient_id"].(string); ok && id != "" {
		channels = append(channels, ChannelAgent(id))
	}
	return channels
}

// Subject maps a channel name to a bus subject (NATS subjects use dots).
func Subject(channel string) string {
	return "caw." + strings.ReplaceAll(channel, ":", ".")
}

// Emitter publishes events to every derived channel. It satisfies the
// store's post-commit event sink; publish failures are logged and swallowed
// because a committed transaction is never unwound for fan-out.
type Emitter struct {
	bus    bus.EventBus
	source string
	log    *logger.Logger
}

// NewEmitter creates an emitter publishing on behalf of source.
func NewEmitter(b bus.EventBus, source string, log *logger.Logger) *Emitter {
	return &Emitter{bus: b, source: source, log: log.WithFields(zap.String("component", "event-emitter"))}
}

// Emit builds the event and publishes it on every channel derived from data.
func (e *Emitter) Emit(ctx context.Context, eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, e.source, data)
	for _, channel := range Channels(data) {
		if err := e.bus.Publish(ctx, Subject(channel), event); err != nil {
			e.log.Warn("failed to publish event",
				zap.String("event_type", eventType),
				zap.String("channel", channel),
				zap.Error(err),
			)
		}
	}
}

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus implementation: NATS when a URL is
// configured, the in-memory bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
