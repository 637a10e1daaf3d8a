package zone

import (
	"fmt"
	"sort"

	"grimm.is/ruleplane/internal/rule"
)

// Entry is the (id, description) pair the configuration supplies per zone name.
type Entry struct {
	ID          uint32
	Description string
}

// InterfaceMap maps interface names to zone ids, split the way the
// configuration declares them.
type InterfaceMap struct {
	Builtins map[string]uint32
	Extended map[string]uint32
}

// Snapshot is one reload cycle's zone and interface configuration. The registry
// treats it as immutable.
type Snapshot struct {
	Builtins    map[string]Entry
	UserDefined map[string]Entry
	Interfaces  InterfaceMap
}

// Validate checks the snapshot for id or name collisions and dangling
// interface mappings.
func (s Snapshot) Validate() error {
	seen := make(map[uint32]string)
	check := func(name string, e Entry) error {
		if name == "" {
			return fmt.Errorf("zone with id %d has no name", e.ID)
		}
		if name == AnyName {
			return fmt.Errorf("zone name %q is reserved", AnyName)
		}
		if e.ID == rule.AnyZone {
			return fmt.Errorf("zone %s: id 0 is reserved for any", name)
		}
		if other, dup := seen[e.ID]; dup {
			return fmt.Errorf("zone id %d used by both %s and %s", e.ID, other, name)
		}
		seen[e.ID] = name
		return nil
	}
	for _, name := range sortedNames(s.Builtins) {
		if err := check(name, s.Builtins[name]); err != nil {
			return err
		}
	}
	for _, name := range sortedNames(s.UserDefined) {
		if _, dup := s.Builtins[name]; dup {
			return fmt.Errorf("zone %s declared as both builtin and user-defined", name)
		}
		if err := check(name, s.UserDefined[name]); err != nil {
			return err
		}
	}

	for _, m := range []map[string]uint32{s.Interfaces.Builtins, s.Interfaces.Extended} {
		for iface, id := range m {
			if _, ok := seen[id]; !ok {
				return fmt.Errorf("interface %s maps to unknown zone id %d", iface, id)
			}
		}
	}
	for iface := range s.Interfaces.Extended {
		if _, dup := s.Interfaces.Builtins[iface]; dup {
			return fmt.Errorf("interface %s declared as both builtin and extended", iface)
		}
	}
	return nil
}

// Load replaces the zone table and interface map with snap. Reference counts
// of ids present before and after are preserved. Dropping a builtin zone, or a
// user-defined zone that pending rules reference, fails the whole load and
// leaves the registry untouched.
func (r *Registry) Load(snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid zone configuration: %w", err)
	}

	next := make(map[uint32]*Zone)
	add := func(m map[string]Entry, kind Kind) {
		for name, e := range m {
			next[e.ID] = &Zone{ID: e.ID, Name: name, Kind: kind, Description: e.Description}
		}
	}
	add(snap.Builtins, KindBuiltin)
	add(snap.UserDefined, KindUserDefined)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range sortedIDs(r.byID) {
		old := r.byID[id]
		if _, kept := next[id]; kept {
			continue
		}
		if old.RefCount > 0 {
			return &ReferentialIntegrityError{ZoneID: id, Name: old.Name, RefCount: old.RefCount, Reason: "cannot be removed"}
		}
		if old.Kind == KindBuiltin {
			return &ReferentialIntegrityError{ZoneID: id, Name: old.Name, Reason: "is builtin and cannot be removed"}
		}
	}

	for id, z := range next {
		if old, ok := r.byID[id]; ok {
			z.RefCount = old.RefCount
		}
	}

	r.byID = next
	r.byName = make(map[string]uint32, len(next))
	for id, z := range next {
		r.byName[z.Name] = id
	}
	r.interfaces = make(map[string]uint32)
	r.extended = make(map[string]bool)
	for name, id := range snap.Interfaces.Builtins {
		r.interfaces[name] = id
	}
	for name, id := range snap.Interfaces.Extended {
		r.interfaces[name] = id
		r.extended[name] = true
	}

	r.logger.Info("zone table loaded",
		"builtin", len(snap.Builtins),
		"user_defined", len(snap.UserDefined),
		"interfaces", len(r.interfaces))
	return nil
}

func sortedNames(m map[string]Entry) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedIDs(m map[uint32]*Zone) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
