package collab

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives engine events. Handlers run outside the engine lock and
// may call back into the engine.
type Handler func(Event)

type listenerKey struct {
	owner string
	kind  EventKind
}

type listenerEntry struct {
	key     listenerKey
	handler Handler
}

// listenerRegistry keys handlers by (owner, kind). Registration replaces the
// entry slice wholesale so dispatch can iterate a snapshot without locking.
type listenerRegistry struct {
	mu      sync.RWMutex
	entries []listenerEntry
	logger  *zap.Logger
}

func newListenerRegistry(logger *zap.Logger) *listenerRegistry {
	return &listenerRegistry{logger: logger}
}

func (r *listenerRegistry) on(owner string, kind EventKind, handler Handler) {
	if handler == nil {
		return
	}
	key := listenerKey{owner: owner, kind: kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]listenerEntry, 0, len(r.entries)+1)
	replaced := false
	for _, entry := range r.entries {
		if entry.key == key {
			next = append(next, listenerEntry{key: key, handler: handler})
			replaced = true
			continue
		}
		next = append(next, entry)
	}
	if !replaced {
		next = append(next, listenerEntry{key: key, handler: handler})
	}
	r.entries = next
}

// off removes the (owner, kind) handler; EventAny as kind removes every
// handler the owner registered.
func (r *listenerRegistry) off(owner string, kind EventKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]listenerEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.key.owner == owner && (kind == EventAny || entry.key.kind == kind) {
			continue
		}
		next = append(next, entry)
	}
	r.entries = next
}

func (r *listenerRegistry) snapshot() []listenerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries
}

func (r *listenerRegistry) dispatch(event Event) {
	for _, entry := range r.snapshot() {
		if entry.key.kind != EventAny && entry.key.kind != event.Kind() {
			continue
		}
		r.invoke(entry, event)
	}
}

func (r *listenerRegistry) invoke(entry listenerEntry, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error(
				"event handler panicked",
				zap.String("owner", entry.key.owner),
				zap.String("event", string(event.Kind())),
				zap.Any("panic", recovered),
			)
		}
	}()
	entry.handler(event)
}
