package events

import (
	"sync"
	"sync/atomic"

	"grimm.is/ruleplane/internal/clock"
)

// Hub is the central event bus.
// It provides pub/sub semantics with typed events and non-blocking fan-out.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events
	global []chan Event

	clock clock.Clock

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs:  make(map[EventType][]chan Event),
		clock: clock.RealClock{},
	}
}

// SetClock replaces the clock used to stamp events.
func (h *Hub) SetClock(c clock.Clock) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = clock.OrReal(c)
}

// Publish sends an event to all subscribers of that event type.
// This is non-blocking - if a subscriber's channel is full, the event is dropped.
// A nil hub discards events.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock.Now()
	}
	h.published.Add(1)

	for _, ch := range h.subs[e.Type] {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}

	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events of the specified types.
// If no types are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)
	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// ──────────────────────────────────────────────────────────────────────────────
// Convenience Methods
// ──────────────────────────────────────────────────────────────────────────────

// EmitRule publishes a rule edit event.
func (h *Hub) EmitRule(t EventType, section string, position int, summary string) {
	h.Publish(Event{
		Type:   t,
		Source: "policy",
		Data:   RuleData{Section: section, Position: position, Summary: summary},
	})
}

// EmitSection publishes a propagation outcome.
func (h *Hub) EmitSection(t EventType, data SectionData) {
	h.Publish(Event{Type: t, Source: "monitor", Data: data})
}

// EmitZoneReload publishes a successful zone registry reload.
func (h *Hub) EmitZoneReload(zones, interfaces int) {
	h.Publish(Event{
		Type:   EventZoneReloaded,
		Source: "config",
		Data:   ZoneReloadData{Zones: zones, Interfaces: interfaces},
	})
}

// EmitInterface publishes a link state change.
func (h *Hub) EmitInterface(name string, index int, up bool) {
	h.Publish(Event{
		Type:   EventInterfaceChanged,
		Source: "ifwatch",
		Data:   InterfaceData{Name: name, Index: index, Up: up},
	})
}

// EmitFault publishes a consistency fault found while rendering.
func (h *Hub) EmitFault(section string, position int, fields []string) {
	h.Publish(Event{
		Type:   EventConsistencyFault,
		Source: "policy",
		Data:   FaultData{Section: section, Position: position, Fields: fields},
	})
}
