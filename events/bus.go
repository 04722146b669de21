// Package events is a small in-process publish/subscribe registry. It lets the
// HTTP layer tell the session controller a session was lost without either
// importing the other.
package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	SessionExpired = "sessionExpired"
	TokenRefreshed = "tokenRefreshed"
)

// Handler receives an event. Events carry no payload.
type Handler func()

type listener struct {
	id      string
	handler Handler
}

// Bus holds the listeners for named events. Listeners are not deduplicated:
// subscribing the same handler twice calls it twice, so callers unsubscribe
// their previous listener before adding a new one. A nil *Bus is valid; emits
// on it do nothing.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	logger    zerolog.Logger
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string][]listener),
		logger:    log.Logger,
	}
}

func (b *Bus) WithLogger(l zerolog.Logger) *Bus {
	b.logger = l
	return b
}

// Subscribe registers handler for event and returns the function that removes
// it again. The returned function is safe to call more than once.
func (b *Bus) Subscribe(event string, handler Handler) (unsubscribe func()) {
	if b == nil || handler == nil {
		return func() {}
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.listeners[event] = append(b.listeners[event], listener{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(event, id) })
	}
}

func (b *Bus) remove(event, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.listeners[event]
	for i, l := range current {
		if l.id != id {
			continue
		}
		kept := make([]listener, 0, len(current)-1)
		kept = append(kept, current[:i]...)
		kept = append(kept, current[i+1:]...)
		if len(kept) == 0 {
			delete(b.listeners, event)
		} else {
			b.listeners[event] = kept
		}
		return
	}
}

// Emit calls every handler subscribed to event, in subscription order, on the
// caller's goroutine. A panicking handler is logged and does not stop the rest.
func (b *Bus) Emit(event string) {
	if b == nil {
		return
	}

	b.mu.RLock()
	snapshot := make([]listener, len(b.listeners[event]))
	copy(snapshot, b.listeners[event])
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.call(event, l)
	}
}

func (b *Bus) call(event string, l listener) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", event).Msg("events: handler panicked")
		}
	}()
	l.handler()
}

func (b *Bus) EmitSessionExpired() { b.Emit(SessionExpired) }

func (b *Bus) EmitTokenRefreshed() { b.Emit(TokenRefreshed) }

// ListenerCount reports how many handlers are subscribed to event.
func (b *Bus) ListenerCount(event string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}
