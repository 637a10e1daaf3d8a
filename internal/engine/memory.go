package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"grimm.is/ruleplane/internal/rule"
)

// HookFunc runs inside Memory.Apply before the rules are stored. A non-nil
// error fails the apply.
type HookFunc func(ctx context.Context, section rule.Section, rules []rule.Wire) error

// Memory is an in-process engine that keeps the last applied list per section.
// It is the default driver and the one the tests drive.
type Memory struct {
	mu       sync.Mutex
	applied  map[rule.Section][]rule.Wire
	calls    map[rule.Section]int
	failures []error
	hook     HookFunc

	inflight atomic.Bool
	reenter  atomic.Int32
}

// NewMemory returns an empty memory engine.
func NewMemory() *Memory {
	return &Memory{
		applied: make(map[rule.Section][]rule.Wire),
		calls:   make(map[rule.Section]int),
	}
}

func (m *Memory) Apply(ctx context.Context, section rule.Section, rules []rule.Wire) error {
	if !m.inflight.CompareAndSwap(false, true) {
		m.reenter.Add(1)
		return ErrReentered
	}
	defer m.inflight.Store(false)

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.calls[section]++
	hook := m.hook
	var fail error
	if len(m.failures) > 0 {
		fail, m.failures = m.failures[0], m.failures[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, section, rules); err != nil {
			return err
		}
	}
	if fail != nil {
		return fail
	}

	stored := make([]rule.Wire, len(rules))
	copy(stored, rules)
	m.mu.Lock()
	m.applied[section] = stored
	m.mu.Unlock()
	return nil
}

// FailNext queues errors returned by the next applies, one per call.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SetHook installs fn to run inside every Apply.
func (m *Memory) SetHook(fn HookFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Applied returns a copy of the last list applied to section.
func (m *Memory) Applied(section rule.Section) []rule.Wire {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rule.Wire, len(m.applied[section]))
	copy(out, m.applied[section])
	return out
}

// Calls returns how many times Apply was entered for section.
func (m *Memory) Calls(section rule.Section) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[section]
}

// Reentries counts Apply calls rejected with ErrReentered.
func (m *Memory) Reentries() int {
	return int(m.reenter.Load())
}

func (m *Memory) Close() error { return nil }
