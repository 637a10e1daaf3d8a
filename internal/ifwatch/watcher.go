// Package ifwatch follows link state for the interfaces mapped to zones and
// asks the monitor to re-propagate when one of them comes up, goes down or
// disappears.
package ifwatch

import (
	"fmt"
	"sync"

	"grimm.is/ruleplane/internal/events"
	"grimm.is/ruleplane/internal/logging"
)

// Change is one observed link transition.
type Change struct {
	Name    string
	Index   int
	Up      bool
	Removed bool
}

// ZoneMap reports whether an interface belongs to a zone.
type ZoneMap interface {
	ZoneOfInterface(name string) (uint32, bool)
}

// Notifier re-propagates every section.
type Notifier interface {
	NotifyAll(reason string)
}

// Watcher filters link changes down to state transitions of zone
// interfaces.
type Watcher struct {
	zones  ZoneMap
	notify Notifier
	hub    *events.Hub
	logger *logging.Logger

	mu    sync.Mutex
	state map[string]bool // last seen up state per interface
}

// New creates a watcher. hub may be nil.
func New(zones ZoneMap, notify Notifier, hub *events.Hub, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		zones:  zones,
		notify: notify,
		hub:    hub,
		logger: logger.WithComponent("ifwatch"),
		state:  make(map[string]bool),
	}
}

// Handle processes one change and reports whether it triggered a
// re-propagation. Repeated updates with the same up state are ignored; the
// first update seen for an interface only records its state.
func (w *Watcher) Handle(c Change) bool {
	if _, ok := w.zones.ZoneOfInterface(c.Name); !ok {
		return false
	}

	w.mu.Lock()
	prev, seen := w.state[c.Name]
	if c.Removed {
		delete(w.state, c.Name)
	} else {
		w.state[c.Name] = c.Up
	}
	w.mu.Unlock()

	if !seen || (!c.Removed && prev == c.Up) {
		return false
	}

	up := c.Up && !c.Removed
	what := "down"
	switch {
	case c.Removed:
		what = "removed"
	case up:
		what = "up"
	}
	w.logger.Info("zone interface changed", "interface", c.Name, "index", c.Index, "state", what)
	w.hub.EmitInterface(c.Name, c.Index, up)
	w.notify.NotifyAll(fmt.Sprintf("interface %s %s", c.Name, what))
	return true
}
