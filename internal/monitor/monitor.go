// Package monitor propagates pending chain edits to the engine.
//
// A single goroutine (Run) owns every engine call. Producers only enqueue a
// section; repeated requests for a queued section coalesce into one
// propagation that applies whatever the pending chain holds at that moment.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/ruleplane/internal/chain"
	"grimm.is/ruleplane/internal/clock"
	"grimm.is/ruleplane/internal/engine"
	"grimm.is/ruleplane/internal/events"
	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/metrics"
	"grimm.is/ruleplane/internal/rule"
)

// ErrStopped is delivered to callers waiting on a propagation when Run exits.
var ErrStopped = errors.New("monitor stopped")

// Trigger records why a section was queued. Higher values win when requests
// coalesce.
type Trigger uint8

const (
	TriggerPoll Trigger = iota + 1
	TriggerEdit
	TriggerRetry
	TriggerReload
	TriggerRollback
	TriggerStale
)

func (t Trigger) String() string {
	switch t {
	case TriggerPoll:
		return "poll"
	case TriggerEdit:
		return "edit"
	case TriggerRetry:
		return "retry"
	case TriggerReload:
		return "reload"
	case TriggerRollback:
		return "rollback"
	case TriggerStale:
		return "stale"
	default:
		return fmt.Sprintf("trigger(%d)", uint8(t))
	}
}

// force reports whether a Synced section is still applied. Zone and interface
// changes alter what the engine derives from unchanged rules, and a rollback
// or a refused commit may leave the engine holding a withdrawn edit.
func (t Trigger) force() bool {
	switch t {
	case TriggerReload, TriggerRollback, TriggerStale:
		return true
	case TriggerPoll, TriggerEdit, TriggerRetry:
		return false
	}
	return false
}

// Store is the part of the chain store the monitor drives.
type Store interface {
	Snapshot(section rule.Section) (chain.Snapshot, error)
	Commit(section rule.Section, version uint64) error
	State(section rule.Section) chain.State
}

// Result describes one propagation.
type Result struct {
	Section   rule.Section
	Trigger   Trigger
	Attempt   string
	Version   uint64
	Rules     int
	Committed bool
	Skipped   bool
	Duration  time.Duration
}

// SectionStatus is the monitor's view of one section.
type SectionStatus struct {
	Section     rule.Section `json:"section"`
	State       chain.State  `json:"state"`
	Failed      bool         `json:"failed"`
	LastAttempt string       `json:"last_attempt,omitempty"`
	LastVersion uint64       `json:"last_version"`
	LastError   string       `json:"last_error,omitempty"`
	LastApplied time.Time    `json:"last_applied,omitempty"`
}

type outcome struct {
	res Result
	err error
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithEvents publishes propagation outcomes to hub.
func WithEvents(hub *events.Hub) Option {
	return func(m *Monitor) { m.hub = hub }
}

// WithPollInterval sets how often Dirty sections without an outstanding
// failure are picked up. Zero disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.poll = d }
}

// WithCommitHook runs fn on the monitor goroutine after every commit.
func WithCommitHook(fn func(rule.Section)) Option {
	return func(m *Monitor) { m.onCommit = fn }
}

// WithClock sets the clock used for durations and status timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = clock.OrReal(c) }
}

// Monitor is the single writer to the engine.
type Monitor struct {
	store    Store
	engine   engine.Engine
	logger   *logging.Logger
	hub      *events.Hub
	metrics  *metrics.Registry
	clock    clock.Clock
	poll     time.Duration
	onCommit func(rule.Section)

	mu      sync.Mutex
	queued  [3]Trigger
	waiters [3][]chan outcome
	status  [3]SectionStatus

	wake    chan struct{}
	running atomic.Bool
}

// New creates a monitor. Nothing is applied until Run is started.
func New(store Store, eng engine.Engine, opts ...Option) *Monitor {
	m := &Monitor{
		store:   store,
		engine:  eng,
		logger:  logging.Default(),
		metrics: metrics.Get(),
		clock:   clock.RealClock{},
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("monitor")
	for _, sec := range rule.Sections {
		m.status[sec.Index()].Section = sec
	}
	return m
}

// Notify queues section for propagation and returns immediately.
func (m *Monitor) Notify(section rule.Section) {
	m.enqueue(section, TriggerEdit, nil)
}

// NotifyAll queues every section after a zone or interface change.
func (m *Monitor) NotifyAll(reason string) {
	m.logger.Info("re-propagating all sections", "reason", reason)
	for _, sec := range rule.Sections {
		m.enqueue(sec, TriggerReload, nil)
	}
}

// Retry queues a section whose last apply failed.
func (m *Monitor) Retry(section rule.Section) {
	m.enqueue(section, TriggerRetry, nil)
}

// Reapply queues section with a trigger that applies it even when Synced.
func (m *Monitor) Reapply(section rule.Section, t Trigger) {
	m.enqueue(section, t, nil)
}

// Propagate queues section and waits for the result of its next propagation.
func (m *Monitor) Propagate(ctx context.Context, section rule.Section) (Result, error) {
	return m.PropagateWith(ctx, section, TriggerEdit)
}

// PropagateWith is Propagate with an explicit trigger.
func (m *Monitor) PropagateWith(ctx context.Context, section rule.Section, t Trigger) (Result, error) {
	if !section.Valid() {
		return Result{}, fmt.Errorf("%w: %d", chain.ErrUnknownSection, section)
	}
	ch := make(chan outcome, 1)
	m.enqueue(section, t, ch)
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return Result{Section: section, Trigger: t}, ctx.Err()
	}
}

func (m *Monitor) enqueue(section rule.Section, t Trigger, waiter chan outcome) {
	if !section.Valid() {
		return
	}
	i := section.Index()
	m.mu.Lock()
	if t > m.queued[i] {
		m.queued[i] = t
	}
	if waiter != nil {
		m.waiters[i] = append(m.waiters[i], waiter)
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// next dequeues the first queued section in traversal order.
func (m *Monitor) next() (rule.Section, Trigger, []chan outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sec := range rule.Sections {
		i := sec.Index()
		if m.queued[i] == 0 {
			continue
		}
		t, w := m.queued[i], m.waiters[i]
		m.queued[i], m.waiters[i] = 0, nil
		return sec, t, w, true
	}
	return 0, 0, nil, false
}

// Run processes queued sections until ctx is done. Only one Run may be active.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("monitor already running")
	}
	defer m.running.Store(false)

	var tick <-chan time.Time
	if m.poll > 0 {
		ticker := time.NewTicker(m.poll)
		defer ticker.Stop()
		tick = ticker.C
	}

	m.logger.Info("monitor started", "poll_interval", m.poll)
	m.pollDirty()
	m.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			m.abandon()
			m.logger.Info("monitor stopped")
			return nil
		case <-m.wake:
			m.drain(ctx)
		case <-tick:
			m.pollDirty()
			m.drain(ctx)
		}
	}
}

// pollDirty queues Dirty sections that have no failed attempt outstanding.
func (m *Monitor) pollDirty() {
	for _, sec := range rule.Sections {
		if m.store.State(sec) != chain.Dirty {
			continue
		}
		if !m.failed(sec) {
			m.enqueue(sec, TriggerPoll, nil)
		}
	}
}

func (m *Monitor) failed(sec rule.Section) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[sec.Index()].Failed
}

func (m *Monitor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		sec, t, waiters, ok := m.next()
		if !ok {
			return
		}
		res, err := m.propagate(ctx, sec, t)
		if errors.Is(err, chain.ErrStalePending) {
			// waiters follow the re-propagation
			i := sec.Index()
			m.mu.Lock()
			m.queued[i] = TriggerStale
			m.waiters[i] = append(waiters, m.waiters[i]...)
			m.mu.Unlock()
			continue
		}
		for _, w := range waiters {
			w <- outcome{res: res, err: err}
		}
	}
}

// abandon fails every waiter once Run exits.
func (m *Monitor) abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.waiters {
		for _, w := range m.waiters[i] {
			w <- outcome{err: ErrStopped}
		}
		m.waiters[i] = nil
	}
}

// propagate applies one snapshot of section and commits it. The chain lock is
// never held while the engine runs.
func (m *Monitor) propagate(ctx context.Context, sec rule.Section, t Trigger) (Result, error) {
	res := Result{Section: sec, Trigger: t}

	snap, err := m.store.Snapshot(sec)
	if err != nil {
		return res, err
	}
	res.Version = snap.Version
	res.Rules = len(snap.Rules)

	// a failed attempt leaves the engine out of step with active, whatever
	// the chain state says
	if snap.State == chain.Synced && !t.force() && !m.failed(sec) {
		res.Skipped = true
		return res, nil
	}

	res.Attempt = uuid.NewString()
	wires := make([]rule.Wire, len(snap.Rules))
	for i, r := range snap.Rules {
		wires[i] = rule.Encode(r)
	}

	start := m.clock.Now()
	err = m.engine.Apply(ctx, sec, wires)
	res.Duration = m.clock.Since(start)
	m.metrics.ApplyDuration.WithLabelValues(sec.String()).Observe(res.Duration.Seconds())

	if err != nil {
		ae := &engine.ApplyError{Section: sec, Version: snap.Version, Attempt: res.Attempt, Err: err}
		m.recordFailure(res, ae)
		return res, ae
	}

	if err := m.store.Commit(sec, snap.Version); err != nil {
		if errors.Is(err, chain.ErrStalePending) {
			m.metrics.StaleCommits.WithLabelValues(sec.String()).Inc()
			m.logger.Info("pending changed during apply, re-propagating",
				"section", sec, "version", snap.Version, "attempt", res.Attempt)
		}
		return res, err
	}

	res.Committed = true
	m.recordSuccess(res)
	return res, nil
}

func (m *Monitor) recordFailure(res Result, ae *engine.ApplyError) {
	m.mu.Lock()
	st := &m.status[res.Section.Index()]
	st.Failed = true
	st.LastAttempt = res.Attempt
	st.LastVersion = res.Version
	st.LastError = ae.Err.Error()
	m.mu.Unlock()

	m.metrics.ApplyTotal.WithLabelValues(res.Section.String(), "error").Inc()
	m.logger.Error("engine apply failed",
		"section", res.Section,
		"version", res.Version,
		"attempt", res.Attempt,
		"trigger", res.Trigger,
		"error", ae.Err)
	m.hub.EmitSection(events.EventSectionApplyFailed, events.SectionData{
		Section: res.Section.String(),
		Version: res.Version,
		Rules:   res.Rules,
		Attempt: res.Attempt,
		Error:   ae.Err.Error(),
	})
}

func (m *Monitor) recordSuccess(res Result) {
	m.mu.Lock()
	st := &m.status[res.Section.Index()]
	st.Failed = false
	st.LastAttempt = res.Attempt
	st.LastVersion = res.Version
	st.LastError = ""
	st.LastApplied = m.clock.Now()
	m.mu.Unlock()

	m.metrics.ApplyTotal.WithLabelValues(res.Section.String(), "ok").Inc()
	m.logger.Info("section committed",
		"section", res.Section,
		"version", res.Version,
		"rules", res.Rules,
		"attempt", res.Attempt,
		"trigger", res.Trigger)
	m.hub.EmitSection(events.EventSectionCommitted, events.SectionData{
		Section: res.Section.String(),
		Version: res.Version,
		Rules:   res.Rules,
		Attempt: res.Attempt,
	})
	if m.onCommit != nil {
		m.onCommit(res.Section)
	}
}

// Status returns the per-section propagation state in traversal order.
func (m *Monitor) Status() []SectionStatus {
	m.mu.Lock()
	out := make([]SectionStatus, len(m.status))
	copy(out, m.status[:])
	m.mu.Unlock()
	for i := range out {
		out[i].State = m.store.State(out[i].Section)
	}
	return out
}
