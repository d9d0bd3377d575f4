package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shwaaa21/automaker-sub000/internal/common/logger"
)

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// memorySubscriptionBuffer is the per-subscription channel depth. Publishing
// blocks once a subscriber falls this far behind, which keeps per-subject
// ordering instead of dropping events.
const memorySubscriptionBuffer = 256

// MemoryEventBus implements EventBus with in-process delivery. Each
// subscription owns a buffered channel drained by a single goroutine, so
// events for a given subject reach a subscriber in publish order.
type MemoryEventBus struct {
	subscriptions []*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler
	ch      chan *Event
	done    chan struct{}
	once    sync.Once
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{logger: log}
}

// Publish sends an event to all matching subscribers.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*memorySubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if matches(subject, sub.subject, sub.pattern) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		ch:      make(chan *Event, memorySubscriptionBuffer),
		done:    make(chan struct{}),
	}
	b.subscriptions = append(b.subscriptions, sub)

	go sub.deliverLoop()

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// deliverLoop drains the subscription channel one event at a time.
func (s *memorySubscription) deliverLoop() {
	for {
		select {
		case event := <-s.ch:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.done) })

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close closes the event bus and all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscriptions {
		sub.once.Do(func() { close(sub.done) })
	}
	b.subscriptions = nil

	b.logger.Debug("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern, supporting NATS-style
// wildcards: * (single token) and > (one or more trailing tokens).
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regex. Returns nil for
// patterns without wildcards, which are matched exactly.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	parts := strings.Split(pattern, ".")
	regexParts := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "*":
			regexParts = append(regexParts, `[^.]+`)
		case ">":
			regexParts = append(regexParts, `.+`)
		default:
			regexParts = append(regexParts, regexp.QuoteMeta(part))
		}
	}
	compiled, err := regexp.Compile(`^` + strings.Join(regexParts, `\.`) + `$`)
	if err != nil {
		return nil
	}
	return compiled
}
