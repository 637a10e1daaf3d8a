// Package policy is the admin-facing surface of the rule plane. It routes
// every mutation through validation into the chain store, keeps persisted
// state current, and hands changed sections to the propagation monitor.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"grimm.is/ruleplane/internal/chain"
	"grimm.is/ruleplane/internal/events"
	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/metrics"
	"grimm.is/ruleplane/internal/monitor"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/state"
	"grimm.is/ruleplane/internal/validation"
	"grimm.is/ruleplane/internal/zone"
)

// Propagator is the part of the monitor the service drives.
type Propagator interface {
	Notify(section rule.Section)
	NotifyAll(reason string)
	Reapply(section rule.Section, t monitor.Trigger)
	PropagateWith(ctx context.Context, section rule.Section, t monitor.Trigger) (monitor.Result, error)
	Status() []monitor.SectionStatus
}

// Persister saves both chains of a section.
type Persister interface {
	SaveSection(section rule.Section, pending, active []rule.Rule) error
}

// Loader reads persisted chains back.
type Loader interface {
	LoadAll() (map[rule.Section]state.Chains, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEvents publishes rule and zone events to hub.
func WithEvents(hub *events.Hub) Option {
	return func(s *Service) { s.hub = hub }
}

// WithPersister saves chains after every mutation and commit.
func WithPersister(p Persister) Option {
	return func(s *Service) { s.persister = p }
}

// Service owns the registry, the chain store and the monitor handle.
type Service struct {
	zones     *zone.Registry
	chains    *chain.Store
	mon       Propagator
	persister Persister
	hub       *events.Hub
	logger    *logging.Logger
	metrics   *metrics.Registry

	persistMu sync.Mutex
}

// New creates the service. mon may be nil until SetPropagator is called.
func New(zones *zone.Registry, chains *chain.Store, mon Propagator, opts ...Option) *Service {
	s := &Service{
		zones:   zones,
		chains:  chains,
		mon:     mon,
		logger:  logging.Default(),
		metrics: metrics.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("policy")
	return s
}

// SetPropagator attaches the monitor. It must be called before any mutation
// when New was given nil.
func (s *Service) SetPropagator(mon Propagator) {
	s.mon = mon
}

// CreateRule validates f and inserts the rule into its section's pending
// chain. Nothing changes when validation fails.
func (s *Service) CreateRule(ctx context.Context, f validation.CandidateFields) (rule.Rule, error) {
	cand, err := validation.ValidateCreate(f, s.zones)
	if err != nil {
		s.countRejection(err)
		return rule.Rule{}, err
	}

	sec, r := cand.Section(), cand.Rule()
	if err := s.chains.Insert(sec, cand.Position(), r); err != nil {
		s.countRejection(err)
		return rule.Rule{}, err
	}

	s.metrics.RuleMutations.WithLabelValues(sec.String(), "insert").Inc()
	s.persist(sec)
	summary := s.summary(r)
	s.logger.Audit("rule.create", location(sec, r.Position), map[string]any{"rule": summary})
	s.hub.EmitRule(events.EventRuleCreated, sec.String(), r.Position, summary)
	s.mon.Notify(sec)
	return r, nil
}

// DeleteRule removes the pending rule at position.
func (s *Service) DeleteRule(ctx context.Context, section string, position int) (rule.Rule, error) {
	sec, err := validation.ValidateDelete(section, position, s.chains)
	if err != nil {
		s.countRejection(err)
		return rule.Rule{}, err
	}

	removed, err := s.chains.Remove(sec, position)
	if err != nil {
		s.countRejection(err)
		return rule.Rule{}, err
	}

	s.metrics.RuleMutations.WithLabelValues(sec.String(), "remove").Inc()
	s.persist(sec)
	summary := s.summary(removed)
	s.logger.Audit("rule.delete", location(sec, position), map[string]any{"rule": summary})
	s.hub.EmitRule(events.EventRuleDeleted, sec.String(), position, summary)
	s.mon.Notify(sec)
	return removed, nil
}

// ViewRuleset returns the encoded chain keyed by 1-based position.
func (s *Service) ViewRuleset(section rule.Section, version rule.Version) map[int]rule.Wire {
	rules := s.chains.View(section, version)
	out := make(map[int]rule.Wire, len(rules))
	for i, r := range rules {
		out[i+1] = rule.Encode(r)
	}
	return out
}

// Render returns the display rows of a chain. Rows with unmapped zones or
// protocols are still returned; the faults are logged, counted, published
// and returned joined.
func (s *Service) Render(section rule.Section, version rule.Version) ([]rule.Display, error) {
	wires := s.ViewRuleset(section, version)
	rows := make([]rule.Display, 0, len(wires))
	var faults []error
	for pos := 1; pos <= len(wires); pos++ {
		d, err := rule.Render(pos, wires[pos], s.zones)
		if err != nil {
			var ce *rule.ConsistencyError
			if errors.As(err, &ce) {
				s.fault(section, version, ce)
			}
			faults = append(faults, fmt.Errorf("%s %s: %w", section, version, err))
		}
		rows = append(rows, d)
	}
	return rows, errors.Join(faults...)
}

// RenderRule renders a single rule against the current registry. Faults are
// returned but not published; the chain Render reports them.
func (s *Service) RenderRule(r rule.Rule) (rule.Display, error) {
	return rule.Render(r.Position, rule.Encode(r), s.zones)
}

func (s *Service) fault(section rule.Section, version rule.Version, ce *rule.ConsistencyError) {
	s.metrics.ConsistencyFaults.WithLabelValues("render").Inc()
	s.logger.Fault("rule references unmapped ids",
		"section", section,
		"version", version,
		"position", ce.Position,
		"fields", strings.Join(ce.Fields, ","),
		"wire", fmt.Sprint(ce.Wire.Ints()))
	s.hub.EmitFault(section.String(), ce.Position, ce.Fields)
}

// Zones lists the registry with live reference counts.
func (s *Service) Zones() []zone.Zone {
	return s.zones.List()
}

// Reload swaps in a new zone snapshot and re-propagates every section, since
// interface membership changes what the engine derives from the rules.
func (s *Service) Reload(snap zone.Snapshot) error {
	if err := s.zones.Load(snap); err != nil {
		s.metrics.ConfigReload.WithLabelValues("error").Inc()
		s.logger.Warn("zone reload refused", "error", err)
		return err
	}
	s.metrics.ConfigReload.WithLabelValues("ok").Inc()
	ifaces := len(snap.Interfaces.Builtins) + len(snap.Interfaces.Extended)
	s.logger.Info("zones reloaded", "zones", len(s.zones.List()), "interfaces", ifaces)
	s.hub.EmitZoneReload(len(s.zones.List()), ifaces)
	s.mon.NotifyAll("zone reload")
	return nil
}

// Retry re-propagates a section and waits for the outcome.
func (s *Service) Retry(ctx context.Context, section rule.Section) (monitor.Result, error) {
	s.logger.Audit("section.retry", section.String(), nil)
	return s.mon.PropagateWith(ctx, section, monitor.TriggerRetry)
}

// Rollback discards the pending edit of section and re-applies active.
func (s *Service) Rollback(ctx context.Context, section rule.Section) error {
	if err := s.chains.Rollback(section); err != nil {
		return err
	}
	s.metrics.RuleMutations.WithLabelValues(section.String(), "rollback").Inc()
	s.persist(section)
	s.logger.Audit("section.rollback", section.String(), nil)
	s.hub.EmitSection(events.EventSectionRolledBack, events.SectionData{
		Section: section.String(),
		Rules:   s.chains.Len(section, rule.VersionActive),
	})
	s.mon.Reapply(section, monitor.TriggerRollback)
	return nil
}

// Status reports each section's propagation state.
func (s *Service) Status() []monitor.SectionStatus {
	return s.mon.Status()
}

// Persist saves a section's chains. It is also the monitor's commit hook.
func (s *Service) Persist(section rule.Section) {
	s.persist(section)
}

func (s *Service) persist(section rule.Section) {
	if s.persister == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	// read under the lock so the last save carries the newest chains
	pending := s.chains.View(section, rule.VersionPending)
	active := s.chains.View(section, rule.VersionActive)
	if err := s.persister.SaveSection(section, pending, active); err != nil {
		s.logger.Error("failed to persist section", "section", section, "error", err)
	}
}

// Restore seeds the chain store from persisted state. It reports whether
// anything was restored.
func (s *Service) Restore(l Loader) (bool, error) {
	all, err := l.LoadAll()
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	restored := false
	for _, sec := range rule.Sections {
		c := all[sec]
		if c.Updated.IsZero() {
			continue
		}
		if err := s.chains.Restore(sec, c.Pending, c.Active); err != nil {
			return restored, err
		}
		restored = true
		s.logger.Info("section restored", "section", sec,
			"pending", len(c.Pending), "active", len(c.Active), "state", s.chains.State(sec))
	}
	return restored, nil
}

// Seed creates rules from configuration. Each entry must name its section and
// position.
func (s *Service) Seed(ctx context.Context, seeds []validation.CandidateFields) error {
	for i, f := range seeds {
		if _, err := s.CreateRule(ctx, f); err != nil {
			return fmt.Errorf("seed rule %d: %w", i+1, err)
		}
	}
	return nil
}

// SectionStats implements metrics.Source.
func (s *Service) SectionStats() []metrics.SectionStats {
	out := make([]metrics.SectionStats, 0, len(rule.Sections))
	for _, sec := range rule.Sections {
		out = append(out, metrics.SectionStats{
			Section: sec.String(),
			Pending: s.chains.Len(sec, rule.VersionPending),
			Active:  s.chains.Len(sec, rule.VersionActive),
			Dirty:   s.chains.State(sec) == chain.Dirty,
		})
	}
	return out
}

// ZoneStats implements metrics.Source.
func (s *Service) ZoneStats() []metrics.ZoneStats {
	zones := s.zones.List()
	out := make([]metrics.ZoneStats, 0, len(zones))
	for _, z := range zones {
		out = append(out, metrics.ZoneStats{Name: z.Name, RefCount: z.RefCount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) countRejection(err error) {
	var ve *validation.ValidationError
	var pe *chain.PositionConflictError
	var ze *chain.ZoneRefError
	switch {
	case errors.As(err, &ve):
		s.metrics.ValidationFailures.WithLabelValues(ve.Field).Inc()
	case errors.As(err, &pe):
		s.metrics.ValidationFailures.WithLabelValues(validation.FieldPosition).Inc()
	case errors.As(err, &ze):
		s.metrics.ValidationFailures.WithLabelValues("zone").Inc()
	}
	s.logger.Debug("mutation rejected", "error", err)
}

// summary renders r on one line for audit records and events.
func (s *Service) summary(r rule.Rule) string {
	d, _ := rule.Render(r.Position, rule.Encode(r), s.zones)
	return fmt.Sprintf("%s %s:%s -> %s %s:%s %s",
		d.SrcZone, d.SrcNet, d.SrcPort, d.DstZone, d.DstNet, d.DstPort, d.Action)
}

func location(sec rule.Section, position int) string {
	return fmt.Sprintf("%s/%d", sec, position)
}
