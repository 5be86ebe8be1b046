package pbui

import (
	"sync"

	"github.com/rs/zerolog"
)

// Listener is a callback registered under a name. Two registrations are the
// same listener only if they use the same *Listener value.
type Listener[T any] struct {
	fn func(T)
}

// NewListener wraps fn so it can be registered and later removed.
func NewListener[T any](fn func(T)) *Listener[T] {
	return &Listener[T]{fn: fn}
}

// registry is an ordered, per-name collection of listeners.
type registry[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]*Listener[T]
	logger    zerolog.Logger
}

func newRegistry[T any](logger zerolog.Logger) *registry[T] {
	return &registry[T]{
		listeners: make(map[string][]*Listener[T]),
		logger:    logger,
	}
}

// add appends l under name. Adding a listener that is already present is a no-op.
func (r *registry[T]) add(name string, l *Listener[T]) bool {
	if l == nil || l.fn == nil {
		r.logger.Warn().Str("event", name).Msg("ignoring nil listener")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.listeners[name] {
		if existing == l {
			r.logger.Info().Str("event", name).Msg("listener already subscribed")
			return false
		}
	}
	r.listeners[name] = append(r.listeners[name], l)
	r.logger.Debug().Str("event", name).Msg("subscribed")
	return true
}

// remove deletes l from name. Unknown names and listeners are reported, not errors.
func (r *registry[T]) remove(name string, l *Listener[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.listeners[name]
	if len(current) == 0 {
		r.logger.Warn().Str("event", name).Msg("no listeners to remove")
		return false
	}

	idx := -1
	for i, existing := range current {
		if existing == l {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.logger.Warn().Str("event", name).Msg("listener not found")
		return false
	}

	// Build a fresh slice so snapshots taken by emit stay intact.
	next := make([]*Listener[T], 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	if len(next) == 0 {
		delete(r.listeners, name)
	} else {
		r.listeners[name] = next
	}
	r.logger.Debug().Str("event", name).Msg("unsubscribed")
	return true
}

// emit calls every listener for name in registration order and returns how
// many were called.
func (r *registry[T]) emit(name string, v T) int {
	r.mu.RLock()
	handlers := r.listeners[name]
	r.mu.RUnlock()

	for _, l := range handlers {
		r.call(name, l, v)
	}
	return len(handlers)
}

func (r *registry[T]) call(name string, l *Listener[T], v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("event", name).Interface("panic", rec).Msg("listener panicked")
		}
	}()
	l.fn(v)
}

func (r *registry[T]) count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[name])
}
