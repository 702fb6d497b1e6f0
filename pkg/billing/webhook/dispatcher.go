package webhook

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// EventHandler receives verified events. What happens per event type is
// application-specific.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *Event) error
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Mux routes events to handlers by type.
//
// Patterns are either an exact type ("order.created"), a prefix ending in
// ".*" ("subscription.*") or "*" as the fallback. Exact matches win over
// prefixes, longer prefixes win over shorter ones. Events nothing matches are
// ignored.
type Mux struct {
	mu       sync.RWMutex
	exact    map[string]EventHandler
	prefixes []prefixRoute
	fallback EventHandler
}

type prefixRoute struct {
	prefix  string
	handler EventHandler
}

// NewMux creates an empty event router.
func NewMux() *Mux {
	return &Mux{exact: make(map[string]EventHandler)}
}

// Handle registers handler for pattern. It panics on an empty pattern or nil
// handler, like http.ServeMux.
func (m *Mux) Handle(pattern string, handler EventHandler) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		panic("webhook: empty event pattern")
	}
	if handler == nil {
		panic("webhook: nil handler for " + pattern)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case pattern == "*":
		m.fallback = handler
	case strings.HasSuffix(pattern, ".*"):
		prefix := strings.TrimSuffix(pattern, "*")
		for i := range m.prefixes {
			if m.prefixes[i].prefix == prefix {
				m.prefixes[i].handler = handler
				return
			}
		}
		m.prefixes = append(m.prefixes, prefixRoute{prefix: prefix, handler: handler})
		sort.SliceStable(m.prefixes, func(i, j int) bool {
			return len(m.prefixes[i].prefix) > len(m.prefixes[j].prefix)
		})
	default:
		m.exact[pattern] = handler
	}
}

// HandleFunc registers a function for pattern.
func (m *Mux) HandleFunc(pattern string, fn func(ctx context.Context, event *Event) error) {
	m.Handle(pattern, EventHandlerFunc(fn))
}

// HandleEvent implements EventHandler.
func (m *Mux) HandleEvent(ctx context.Context, event *Event) error {
	handler := m.lookup(event.Type)
	if handler == nil {
		return nil
	}
	return handler.HandleEvent(ctx, event)
}

func (m *Mux) lookup(eventType string) EventHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.exact[eventType]; ok {
		return h
	}
	for _, route := range m.prefixes {
		if strings.HasPrefix(eventType, route.prefix) {
			return route.handler
		}
	}
	return m.fallback
}
