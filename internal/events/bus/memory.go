package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
)

// MemoryEventBus implements EventBus with synchronous in-process fan-out.
// Handlers run on the publisher's goroutine; handler errors are logged and
// swallowed so one broken subscriber cannot poison the others.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // For wildcard matching
	handler EventHandler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish delivers an event to all matching subscribers synchronously.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active {
				continue
			}
			if !b.matches(subject, pattern, sub.pattern) {
				continue
			}
			if err := sub.handler(ctx, event); err != nil {
				b.logger.Warn("event handler failed",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern. NATS-style wildcards
// are supported: "*" matches one token, ">" matches the rest.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		handler: handler,
		active:  true,
	}
	if strings.ContainsAny(subject, "*>") {
		sub.pattern = compileSubjectPattern(subject)
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// Close shuts the bus down; later publishes fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) matches(subject, pattern string, compiled *regexp.Regexp) bool {
	if compiled != nil {
		return compiled.MatchString(subject)
	}
	return subject == pattern
}

// compileSubjectPattern converts a NATS-style subject pattern to a regexp.
func compileSubjectPattern(subject string) *regexp.Regexp {
	tokens := strings.Split(subject, ".")
	parts := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		switch tok {
		case "*":
			parts = append(parts, `[^.]+`)
		case ">":
			parts = append(parts, `.+`)
		default:
			parts = append(parts, regexp.QuoteMeta(tok))
		}
	}
	return regexp.MustCompile(`^` + strings.Join(parts, `\.`) + `$`)
}
