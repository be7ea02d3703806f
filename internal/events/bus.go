// Package events provides the typed event sink the engine writes domain
// events to, replacing ad hoc string-keyed emit calls with a small
// subscriber fan-out.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tangible-labs/assetcycle/model"
)

// Sink receives domain events. The state machine and workflow engine only
// depend on this interface; consumers subscribe on the concrete Bus.
type Sink interface {
	Publish(ctx context.Context, evt model.Event)
}

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine and must not block; anything slow belongs behind the handler's
// own queue.
type Handler func(ctx context.Context, evt model.Event)

// Bus is an in-process Sink with subscriber fan-out. Subscribing after
// publishing has started is safe.
type Bus struct {
	mu     sync.RWMutex
	subs   []Handler
	logger *zap.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Publish delivers the event to every subscriber in subscription order.
// A panicking subscriber is recovered and logged so one consumer cannot
// take down the engine's call path.
func (b *Bus) Publish(ctx context.Context, evt model.Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, h := range subs {
		b.deliver(ctx, h, evt)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, evt model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("event", evt.EventName()),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, evt)
}

// NopSink discards all events. For tests and wiring without consumers.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(context.Context, model.Event) {}
