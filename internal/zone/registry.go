// Package zone implements the zone registry: the authoritative mapping between
// zone ids, names and kinds, and the live count of pending rule fields that
// reference each zone.
package zone

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/metrics"
	"grimm.is/ruleplane/internal/rule"
)

// Kind distinguishes zones created from interface configuration from those an
// administrator defined.
type Kind uint8

const (
	KindBuiltin Kind = iota + 1
	KindUserDefined
)

func (k Kind) String() string {
	switch k {
	case KindBuiltin:
		return "builtin"
	case KindUserDefined:
		return "user-defined"
	default:
		return "unknown"
	}
}

// AnyName is the display name of the reserved zone id 0.
const AnyName = "any"

var (
	// ErrNotFound is returned when a zone id or name is not registered.
	ErrNotFound = errors.New("zone not found")
	// ErrRefUnderflow is returned when a reference count would drop below zero.
	ErrRefUnderflow = errors.New("zone reference count underflow")
)

// Zone is a registry entry.
type Zone struct {
	ID          uint32 `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Description string `json:"description" yaml:"description"`
	RefCount    int    `json:"ref_count" yaml:"ref_count"`
}

// Any returns the synthetic zone for id 0.
func Any() Zone {
	return Zone{ID: rule.AnyZone, Name: AnyName, Kind: KindBuiltin, Description: "any zone"}
}

// ReferentialIntegrityError reports an attempt to drop a zone rules still use.
type ReferentialIntegrityError struct {
	ZoneID   uint32
	Name     string
	RefCount int
	Reason   string
}

func (e *ReferentialIntegrityError) Error() string {
	if e.RefCount > 0 {
		return fmt.Sprintf("zone %s (%d) %s: referenced by %d rule fields", e.Name, e.ZoneID, e.Reason, e.RefCount)
	}
	return fmt.Sprintf("zone %s (%d) %s", e.Name, e.ZoneID, e.Reason)
}

// Registry owns every Zone record. The zero value is not usable; use New.
type Registry struct {
	mu         sync.RWMutex
	byID       map[uint32]*Zone
	byName     map[string]uint32
	interfaces map[string]uint32
	extended   map[string]bool

	strict bool
	logger *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict makes reference count underflow panic instead of clamping.
func WithStrict(strict bool) Option {
	return func(r *Registry) { r.strict = strict }
}

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:       make(map[uint32]*Zone),
		byName:     make(map[string]uint32),
		interfaces: make(map[string]uint32),
		extended:   make(map[string]bool),
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("zone")
	return r
}

// Resolve returns the zone with the given id. Id 0 resolves to Any().
func (r *Registry) Resolve(id uint32) (Zone, error) {
	if id == rule.AnyZone {
		return Any(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.byID[id]
	if !ok {
		return Zone{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return *z, nil
}

// ResolveByName returns the zone with the given name. "any" resolves to Any().
func (r *Registry) ResolveByName(name string) (Zone, error) {
	if name == AnyName {
		return Any(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Zone{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return *r.byID[id], nil
}

// Name implements rule.ZoneNamer.
func (r *Registry) Name(id uint32) (string, bool) {
	if id == rule.AnyZone {
		return AnyName, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return z.Name, true
}

// Exists reports whether id is a registered zone or the any zone.
func (r *Registry) Exists(id uint32) bool {
	_, err := r.Resolve(id)
	return err == nil
}

// Increment records one more pending rule field referencing id. Id 0 is not
// counted.
func (r *Registry) Increment(id uint32) error {
	if id == rule.AnyZone {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	z, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	z.RefCount++
	return nil
}

// Decrement records one fewer pending rule field referencing id. Dropping a
// count below zero panics in strict mode; otherwise it clamps at zero and
// returns ErrRefUnderflow.
func (r *Registry) Decrement(id uint32) error {
	if id == rule.AnyZone {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	z, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if z.RefCount == 0 {
		if r.strict {
			panic(fmt.Sprintf("zone %s (%d): reference count decremented at zero", z.Name, id))
		}
		metrics.Get().RefUnderflows.Inc()
		r.logger.Fault("reference count decremented at zero", "zone", z.Name, "zone_id", id)
		return fmt.Errorf("%w: zone %s (%d)", ErrRefUnderflow, z.Name, id)
	}
	z.RefCount--
	return nil
}

// CanDelete reports whether id is a user-defined zone no pending rule uses.
func (r *Registry) CanDelete(id uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.byID[id]
	if !ok {
		return false
	}
	return z.Kind == KindUserDefined && z.RefCount == 0
}

// List returns every registered zone sorted by id. The any zone is not listed.
func (r *Registry) List() []Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Zone, 0, len(r.byID))
	for _, z := range r.byID {
		out = append(out, *z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Interfaces returns the interface names mapped to zone id, sorted.
func (r *Registry) Interfaces(id uint32) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, zid := range r.interfaces {
		if zid == id {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ZoneOfInterface returns the zone id an interface belongs to.
func (r *Registry) ZoneOfInterface(name string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.interfaces[name]
	return id, ok
}

// InterfaceMap returns a copy of the interface map split by kind.
func (r *Registry) InterfaceMap() InterfaceMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := InterfaceMap{Builtins: map[string]uint32{}, Extended: map[string]uint32{}}
	for name, id := range r.interfaces {
		if r.extended[name] {
			m.Extended[name] = id
		} else {
			m.Builtins[name] = id
		}
	}
	return m
}
