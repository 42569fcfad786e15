package events

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/planmeter/ports"
)

// Handler is a function that processes an emitted event.
type Handler func(ctx context.Context, event any) error

// Bus is a simple publish/subscribe sink. Handlers run synchronously in
// registration order; handler errors are logged and do not stop delivery or
// surface to the emitting engine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event name.
// Supports wildcard subscriptions:
//   - "quota.warning" - exact match
//   - "quota.*" - all quota events
//   - "*" - all events
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

// Emit delivers an event to all matching handlers.
// Events that do not implement Named are delivered to "*" subscribers only.
func (b *Bus) Emit(ctx context.Context, event any) {
	name := ""
	if n, ok := event.(Named); ok {
		name = n.EventName()
	}

	b.mu.RLock()
	var matched []Handler
	if name != "" {
		matched = append(matched, b.handlers[name]...)
		if i := strings.IndexByte(name, '.'); i > 0 {
			matched = append(matched, b.handlers[name[:i]+".*"]...)
		}
	}
	matched = append(matched, b.handlers["*"]...)
	b.mu.RUnlock()

	b.logger.Debug().Str("event", name).Int("handlers", len(matched)).Msg("event emitted")

	for _, handler := range matched {
		if err := handler(ctx, event); err != nil {
			b.logger.Error().Err(err).Str("event", name).Msg("event handler error")
		}
	}
}

// Ensure interface compliance.
var _ ports.EventSink = (*Bus)(nil)

// Capture records emitted events for inspection in tests.
type Capture struct {
	mu     sync.Mutex
	events []any
}

// NewCapture creates an empty capturing sink.
func NewCapture() *Capture {
	return &Capture{}
}

// Emit records the event.
func (c *Capture) Emit(_ context.Context, event any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of everything emitted so far.
func (c *Capture) Events() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.events))
	copy(out, c.events)
	return out
}

// Reset clears captured events.
func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// Ensure interface compliance.
var _ ports.EventSink = (*Capture)(nil)
