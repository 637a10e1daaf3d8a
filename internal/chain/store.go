// Package chain implements the rule chain store: three ordered chains
// (BEFORE, MAIN, AFTER), each with a pending and an active version.
//
// Writers serialize per section on a mutex and publish a new immutable state
// through an atomic pointer, so View never blocks and never observes a
// partially shifted chain. Slices inside a published state are never written
// again; pending and active may share backing arrays.
package chain

import (
	"fmt"
	"sync"
	"sync/atomic"

	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/rule"
)

// RefCounter is the part of the zone registry the store maintains.
type RefCounter interface {
	Increment(id uint32) error
	Decrement(id uint32) error
	Exists(id uint32) bool
}

// State is the synchronization state of one section.
type State uint8

const (
	Synced State = iota
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "synced"
}

// Snapshot is a consistent copy of a section's pending chain and the version
// it was taken at.
type Snapshot struct {
	Section rule.Section
	Rules   []rule.Rule
	Version uint64
	State   State
}

type chainState struct {
	pending       []rule.Rule
	active        []rule.Rule
	version       uint64
	activeVersion uint64
}

func (c *chainState) state() State {
	if c.version == c.activeVersion {
		return Synced
	}
	return Dirty
}

type section struct {
	mu  sync.Mutex
	cur atomic.Pointer[chainState]
}

// Store owns every rule record.
type Store struct {
	zones    RefCounter
	sections [3]*section
	logger   *logging.Logger
}

// New creates an empty store maintaining reference counts in zones.
func New(zones RefCounter, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{zones: zones, logger: logger.WithComponent("chain")}
	for i := range s.sections {
		sec := &section{}
		sec.cur.Store(&chainState{})
		s.sections[i] = sec
	}
	return s
}

func (s *Store) section(sec rule.Section) (*section, error) {
	if !sec.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSection, sec)
	}
	return s.sections[sec.Index()], nil
}

// Insert places r at position in the section's pending chain, shifting
// position..end up by one. Position may be at most len+1.
func (s *Store) Insert(sec rule.Section, position int, r rule.Rule) error {
	sc, err := s.section(sec)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	cur := sc.cur.Load()
	n := len(cur.pending)
	if position < 1 || position > n+1 {
		return &PositionConflictError{Section: sec, Position: position, Len: n, Op: "insert"}
	}

	if err := s.reference(sec, r); err != nil {
		return err
	}

	next := make([]rule.Rule, 0, n+1)
	next = append(next, cur.pending[:position-1]...)
	next = append(next, r)
	next = append(next, cur.pending[position-1:]...)
	renumber(sec, next, position-1)

	sc.cur.Store(&chainState{
		pending:       next,
		active:        cur.active,
		version:       cur.version + 1,
		activeVersion: cur.activeVersion,
	})
	s.logger.Debug("rule inserted", "section", sec, "position", position, "pending", len(next))
	return nil
}

// Remove deletes the pending rule at position and shifts later rules down.
func (s *Store) Remove(sec rule.Section, position int) (rule.Rule, error) {
	sc, err := s.section(sec)
	if err != nil {
		return rule.Rule{}, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	cur := sc.cur.Load()
	n := len(cur.pending)
	if position < 1 || position > n {
		return rule.Rule{}, &PositionConflictError{Section: sec, Position: position, Len: n, Op: "remove"}
	}

	removed := cur.pending[position-1]
	next := make([]rule.Rule, 0, n-1)
	next = append(next, cur.pending[:position-1]...)
	next = append(next, cur.pending[position:]...)
	renumber(sec, next, position-1)

	s.release(removed)

	sc.cur.Store(&chainState{
		pending:       next,
		active:        cur.active,
		version:       cur.version + 1,
		activeVersion: cur.activeVersion,
	})
	s.logger.Debug("rule removed", "section", sec, "position", position, "pending", len(next))
	return removed, nil
}

// View returns a copy of the requested chain. It never blocks on writers.
func (s *Store) View(sec rule.Section, version rule.Version) []rule.Rule {
	sc, err := s.section(sec)
	if err != nil {
		return nil
	}
	cur := sc.cur.Load()
	src := cur.pending
	if version == rule.VersionActive {
		src = cur.active
	}
	out := make([]rule.Rule, len(src))
	copy(out, src)
	return out
}

// Snapshot returns the pending chain with its version for optimistic commit.
func (s *Store) Snapshot(sec rule.Section) (Snapshot, error) {
	sc, err := s.section(sec)
	if err != nil {
		return Snapshot{}, err
	}
	cur := sc.cur.Load()
	rules := make([]rule.Rule, len(cur.pending))
	copy(rules, cur.pending)
	return Snapshot{Section: sec, Rules: rules, Version: cur.version, State: cur.state()}, nil
}

// Commit promotes pending to active iff pending is still at version. On
// ErrStalePending neither chain changes.
func (s *Store) Commit(sec rule.Section, version uint64) error {
	sc, err := s.section(sec)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	cur := sc.cur.Load()
	if cur.version != version {
		return fmt.Errorf("commit %s at version %d (current %d): %w", sec, version, cur.version, ErrStalePending)
	}
	sc.cur.Store(&chainState{
		pending:       cur.pending,
		active:        cur.pending,
		version:       cur.version,
		activeVersion: cur.version,
	})
	s.logger.Debug("pending promoted to active", "section", sec, "version", version, "rules", len(cur.pending))
	return nil
}

// Rollback discards the pending edit so pending matches active again, and
// corrects reference counts for the discarded rules. It bumps the version so
// an in-flight apply of the discarded edit cannot commit.
func (s *Store) Rollback(sec rule.Section) error {
	sc, err := s.section(sec)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	cur := sc.cur.Load()
	if cur.state() == Synced {
		return nil
	}
	for _, r := range cur.active {
		for _, id := range []uint32{r.SrcZone, r.DstZone} {
			if id != rule.AnyZone && !s.zones.Exists(id) {
				return &ZoneRefError{Section: sec, ZoneID: id, Err: fmt.Errorf("active rule at position %d references a removed zone", r.Position)}
			}
		}
	}

	for _, r := range cur.pending {
		s.release(r)
	}
	for _, r := range cur.active {
		// existence checked above
		_ = s.reference(sec, r)
	}

	next := cur.version + 1
	sc.cur.Store(&chainState{
		pending:       cur.active,
		active:        cur.active,
		version:       next,
		activeVersion: next,
	})
	s.logger.Info("pending edit discarded", "section", sec, "rules", len(cur.active))
	return nil
}

// Restore seeds an empty section from persisted chains. Pending references are
// counted; the section starts Dirty when the two chains differ.
func (s *Store) Restore(sec rule.Section, pending, active []rule.Rule) error {
	sc, err := s.section(sec)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	cur := sc.cur.Load()
	if len(cur.pending) != 0 || len(cur.active) != 0 {
		return fmt.Errorf("restore %s: section is not empty", sec)
	}

	p := append([]rule.Rule(nil), pending...)
	a := append([]rule.Rule(nil), active...)
	renumber(sec, p, 0)
	renumber(sec, a, 0)

	var referenced []rule.Rule
	for _, r := range p {
		if err := s.reference(sec, r); err != nil {
			for _, done := range referenced {
				s.release(done)
			}
			return fmt.Errorf("restore %s: %w", sec, err)
		}
		referenced = append(referenced, r)
	}

	next := &chainState{pending: p, active: a, version: cur.version + 1, activeVersion: cur.version + 1}
	if !equalRules(p, a) {
		next.activeVersion = cur.version
	}
	sc.cur.Store(next)
	return nil
}

// State reports whether the section's pending chain differs from active.
func (s *Store) State(sec rule.Section) State {
	sc, err := s.section(sec)
	if err != nil {
		return Synced
	}
	return sc.cur.Load().state()
}

// Len returns the number of rules in the requested chain.
func (s *Store) Len(sec rule.Section, version rule.Version) int {
	sc, err := s.section(sec)
	if err != nil {
		return 0
	}
	cur := sc.cur.Load()
	if version == rule.VersionActive {
		return len(cur.active)
	}
	return len(cur.pending)
}

// PendingLen implements validation.PositionChecker.
func (s *Store) PendingLen(sec rule.Section) int {
	return s.Len(sec, rule.VersionPending)
}

// reference increments both zones of r, undoing the first on failure.
func (s *Store) reference(sec rule.Section, r rule.Rule) error {
	if err := s.zones.Increment(r.SrcZone); err != nil {
		return &ZoneRefError{Section: sec, ZoneID: r.SrcZone, Err: err}
	}
	if err := s.zones.Increment(r.DstZone); err != nil {
		_ = s.zones.Decrement(r.SrcZone)
		return &ZoneRefError{Section: sec, ZoneID: r.DstZone, Err: err}
	}
	return nil
}

// release decrements both zones of r. Failures are reported by the registry.
func (s *Store) release(r rule.Rule) {
	for _, id := range []uint32{r.SrcZone, r.DstZone} {
		if err := s.zones.Decrement(id); err != nil {
			s.logger.Warn("zone release failed", "section", r.Section, "position", r.Position, "zone_id", id, "error", err)
		}
	}
}

// renumber sets Section and dense 1-based positions on rules[from:].
func renumber(sec rule.Section, rules []rule.Rule, from int) {
	for i := from; i < len(rules); i++ {
		rules[i].Section = sec
		rules[i].Position = i + 1
	}
}

func equalRules(a, b []rule.Rule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
