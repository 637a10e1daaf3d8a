package policy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/ruleplane/internal/chain"
	"grimm.is/ruleplane/internal/engine"
	"grimm.is/ruleplane/internal/events"
	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/monitor"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/state"
	"grimm.is/ruleplane/internal/validation"
	"grimm.is/ruleplane/internal/zone"
)

type mockPropagator struct {
	mock.Mock
}

func (m *mockPropagator) Notify(section rule.Section) { m.Called(section) }

func (m *mockPropagator) NotifyAll(reason string) { m.Called(reason) }

func (m *mockPropagator) Reapply(section rule.Section, t monitor.Trigger) { m.Called(section, t) }

func (m *mockPropagator) PropagateWith(ctx context.Context, section rule.Section, t monitor.Trigger) (monitor.Result, error) {
	args := m.Called(ctx, section, t)
	return args.Get(0).(monitor.Result), args.Error(1)
}

func (m *mockPropagator) Status() []monitor.SectionStatus {
	args := m.Called()
	return args.Get(0).([]monitor.SectionStatus)
}

func testSnapshot() zone.Snapshot {
	return zone.Snapshot{
		Builtins: map[string]zone.Entry{
			"WAN": {ID: 1},
			"LAN": {ID: 2},
			"DMZ": {ID: 3},
		},
		UserDefined: map[string]zone.Entry{
			"GUEST": {ID: 10},
		},
		Interfaces: zone.InterfaceMap{
			Builtins: map[string]uint32{"eth0": 1, "eth1": 2, "eth2": 3},
			Extended: map[string]uint32{"wlan0": 10},
		},
	}
}

type fixture struct {
	svc   *Service
	zones *zone.Registry
	store *chain.Store
	prop  *mockPropagator
	hub   *events.Hub
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	zones := zone.New(zone.WithLogger(logging.Nop()), zone.WithStrict(true))
	require.NoError(t, zones.Load(testSnapshot()))
	store := chain.New(zones, logging.Nop())
	prop := &mockPropagator{}
	prop.On("Notify", mock.Anything).Return()
	prop.On("NotifyAll", mock.Anything).Return()
	prop.On("Reapply", mock.Anything, mock.Anything).Return()
	hub := events.NewHub()
	opts = append([]Option{WithLogger(logging.Nop()), WithEvents(hub)}, opts...)
	return &fixture{
		svc:   New(zones, store, prop, opts...),
		zones: zones,
		store: store,
		prop:  prop,
		hub:   hub,
	}
}

func fields(section, position string) validation.CandidateFields {
	return validation.CandidateFields{
		validation.FieldSection:    section,
		validation.FieldPosition:   position,
		validation.FieldSrcZone:    "any",
		validation.FieldSrcIP:      "",
		validation.FieldSrcNetmask: "",
		validation.FieldDstZone:    "2",
		validation.FieldDstIP:      "192.168.1.10",
		validation.FieldDstNetmask: "32",
		validation.FieldProtocol:   "tcp",
		validation.FieldDstPort:    "443",
		validation.FieldAction:     "accept",
		validation.FieldLog:        "true",
	}
}

func TestCreateRule_StagesEncodedRule(t *testing.T) {
	f := newFixture(t)
	created := f.hub.Subscribe(1, events.EventRuleCreated)

	r, err := f.svc.CreateRule(context.Background(), fields("MAIN", "1"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Position)
	assert.Equal(t, rule.SectionMain, r.Section)

	view := f.svc.ViewRuleset(rule.SectionMain, rule.VersionPending)
	require.Len(t, view, 1)
	w := view[1]
	assert.Equal(t, uint32(1), w[rule.FieldEnabled])
	assert.Equal(t, uint32(0), w[rule.FieldSrcZone])
	assert.Equal(t, uint32(2), w[rule.FieldDstZone])
	assert.Equal(t, uint32(6<<16|443), w[rule.FieldDstSelector])
	assert.Equal(t, uint32(443), w[rule.FieldDstPortEnd])
	assert.Equal(t, uint32(1), w[rule.FieldAction])
	assert.Equal(t, uint32(1), w[rule.FieldLog])

	assert.Empty(t, f.svc.ViewRuleset(rule.SectionMain, rule.VersionActive))
	f.prop.AssertCalled(t, "Notify", rule.SectionMain)

	select {
	case e := <-created:
		data := e.Data.(events.RuleData)
		assert.Equal(t, "MAIN", data.Section)
		assert.Contains(t, data.Summary, "LAN")
	case <-time.After(time.Second):
		t.Error("no rule.created event")
	}

	z, _ := f.zones.Resolve(2)
	assert.Equal(t, 1, z.RefCount)
}

func TestCreateRule_PortOutOfRangeLeavesChain(t *testing.T) {
	f := newFixture(t)
	in := fields("MAIN", "1")
	in[validation.FieldDstPort] = "70000"

	_, err := f.svc.CreateRule(context.Background(), in)
	var ve *validation.ValidationError
	require.True(t, errors.As(err, &ve), "error = %v", err)
	assert.Equal(t, validation.FieldDstPort, ve.Field)
	assert.Equal(t, "out of range", ve.Reason)

	assert.Empty(t, f.svc.ViewRuleset(rule.SectionMain, rule.VersionPending))
	f.prop.AssertNotCalled(t, "Notify", mock.Anything)
}

func TestCreateRule_PositionConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRule(context.Background(), fields("BEFORE", "3"))
	var pe *chain.PositionConflictError
	require.True(t, errors.As(err, &pe), "error = %v", err)
	assert.Equal(t, 0, pe.Len)
}

func TestDeleteRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, pos := range []string{"1", "2"} {
		in := fields("AFTER", pos)
		in[validation.FieldDstZone] = "DMZ"
		_, err := f.svc.CreateRule(ctx, in)
		require.NoError(t, err)
	}

	removed, err := f.svc.DeleteRule(ctx, "AFTER", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), removed.DstZone)

	z, _ := f.zones.Resolve(3)
	assert.Equal(t, 1, z.RefCount)
	assert.Len(t, f.svc.ViewRuleset(rule.SectionAfter, rule.VersionPending), 1)

	_, err = f.svc.DeleteRule(ctx, "AFTER", 5)
	var ve *validation.ValidationError
	assert.True(t, errors.As(err, &ve), "error = %v", err)
	_, err = f.svc.DeleteRule(ctx, "SIDEWAYS", 1)
	assert.True(t, errors.As(err, &ve), "error = %v", err)
}

func TestRender(t *testing.T) {
	f := newFixture(t)
	in := fields("MAIN", "1")
	in[validation.FieldSrcZone] = "GUEST"
	in[validation.FieldSrcIP] = "10.1.2.3"
	in[validation.FieldSrcNetmask] = "255.255.0.0"
	_, err := f.svc.CreateRule(context.Background(), in)
	require.NoError(t, err)

	rows, err := f.svc.Render(rule.SectionMain, rule.VersionPending)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "GUEST", rows[0].SrcZone)
	assert.Equal(t, "10.1.0.0/16", rows[0].SrcNet)
	assert.Equal(t, "LAN", rows[0].DstZone)
	assert.Equal(t, "tcp/443", rows[0].DstPort)
	assert.Equal(t, "accept", rows[0].Action)
}

func TestRenderRule(t *testing.T) {
	f := newFixture(t)
	faults := f.hub.Subscribe(1, events.EventConsistencyFault)
	ctx := context.Background()

	first, err := f.svc.CreateRule(ctx, fields("MAIN", "1"))
	require.NoError(t, err)
	in := fields("MAIN", "1")
	in[validation.FieldDstZone] = "DMZ"
	in[validation.FieldDstPort] = "22"
	second, err := f.svc.CreateRule(ctx, in)
	require.NoError(t, err)

	// the first rule moved to position 2; each result renders as itself
	d, err := f.svc.RenderRule(second)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Position)
	assert.Equal(t, "DMZ", d.DstZone)
	assert.Equal(t, "tcp/22", d.DstPort)

	d, err = f.svc.RenderRule(first)
	require.NoError(t, err)
	assert.Equal(t, "LAN", d.DstZone)

	_, err = f.svc.RenderRule(rule.Rule{DstZone: 99}.Located(rule.SectionMain, 1))
	var ce *rule.ConsistencyError
	assert.ErrorAs(t, err, &ce)
	select {
	case e := <-faults:
		t.Errorf("single-rule render published %v", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFaultIsSurfaced(t *testing.T) {
	f := newFixture(t)
	faults := f.hub.Subscribe(1, events.EventConsistencyFault)

	f.svc.fault(rule.SectionMain, rule.VersionActive, &rule.ConsistencyError{Position: 4, Fields: []string{"src_zone"}})

	select {
	case e := <-faults:
		data := e.Data.(events.FaultData)
		assert.Equal(t, 4, data.Position)
		assert.Equal(t, []string{"src_zone"}, data.Fields)
	case <-time.After(time.Second):
		t.Error("no consistency.fault event")
	}
}

func TestDiff(t *testing.T) {
	f := newFixture(t)
	text, err := f.svc.Diff(rule.SectionMain)
	require.NoError(t, err)
	assert.Empty(t, text, "synced section has no diff")

	_, err = f.svc.CreateRule(context.Background(), fields("MAIN", "1"))
	require.NoError(t, err)

	text, err = f.svc.Diff(rule.SectionMain)
	require.NoError(t, err)
	assert.Contains(t, text, "+++ MAIN (pending)")
	assert.Contains(t, text, "+Y | any | 0.0.0.0/0")
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRule(context.Background(), fields("MAIN", "1"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Rollback(context.Background(), rule.SectionMain))
	assert.Empty(t, f.svc.ViewRuleset(rule.SectionMain, rule.VersionPending))
	assert.Equal(t, chain.Synced, f.store.State(rule.SectionMain))
	z, _ := f.zones.Resolve(2)
	assert.Equal(t, 0, z.RefCount)
	f.prop.AssertCalled(t, "Reapply", rule.SectionMain, monitor.TriggerRollback)
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	in := fields("MAIN", "1")
	in[validation.FieldDstZone] = "GUEST"
	_, err := f.svc.CreateRule(context.Background(), in)
	require.NoError(t, err)

	snap := testSnapshot()
	delete(snap.UserDefined, "GUEST")
	delete(snap.Interfaces.Extended, "wlan0")
	var rie *zone.ReferentialIntegrityError
	assert.True(t, errors.As(f.svc.Reload(snap), &rie))
	f.prop.AssertNotCalled(t, "NotifyAll", mock.Anything)

	snap = testSnapshot()
	snap.Interfaces.Extended["eth0.10"] = 1
	require.NoError(t, f.svc.Reload(snap))
	f.prop.AssertCalled(t, "NotifyAll", "zone reload")
	assert.Equal(t, []string{"eth0", "eth0.10"}, f.zones.Interfaces(1))
}

func TestRetryAndStatus(t *testing.T) {
	f := newFixture(t)
	want := monitor.Result{Section: rule.SectionBefore, Committed: true}
	f.prop.On("PropagateWith", mock.Anything, rule.SectionBefore, monitor.TriggerRetry).Return(want, nil)
	f.prop.On("Status").Return([]monitor.SectionStatus{{Section: rule.SectionBefore, Failed: true}})

	got, err := f.svc.Retry(context.Background(), rule.SectionBefore)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, f.svc.Status()[0].Failed)
}

func TestPersistAndRestore(t *testing.T) {
	st, err := state.Open(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	defer st.Close()

	f := newFixture(t, WithPersister(st))
	ctx := context.Background()
	_, err = f.svc.CreateRule(ctx, fields("MAIN", "1"))
	require.NoError(t, err)
	_, err = f.svc.CreateRule(ctx, fields("MAIN", "1"))
	require.NoError(t, err)

	// a fresh process: same zones, empty chains
	g := newFixture(t)
	restored, err := g.svc.Restore(st)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, f.svc.ViewRuleset(rule.SectionMain, rule.VersionPending),
		g.svc.ViewRuleset(rule.SectionMain, rule.VersionPending))
	assert.Equal(t, chain.Dirty, g.store.State(rule.SectionMain))
	z, _ := g.zones.Resolve(2)
	assert.Equal(t, 2, z.RefCount)

	h := newFixture(t)
	empty, err := state.Open(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	defer empty.Close()
	restored, err = h.svc.Restore(empty)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestSeed(t *testing.T) {
	f := newFixture(t)
	bad := fields("MAIN", "1")
	bad[validation.FieldProtocol] = "gre"
	err := f.svc.Seed(context.Background(), []validation.CandidateFields{fields("MAIN", "1"), bad})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "seed rule 2"))
	assert.Len(t, f.svc.ViewRuleset(rule.SectionMain, rule.VersionPending), 1)
}

func TestStatsSources(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRule(context.Background(), fields("MAIN", "1"))
	require.NoError(t, err)

	sections := f.svc.SectionStats()
	require.Len(t, sections, 3)
	assert.Equal(t, "MAIN", sections[1].Section)
	assert.Equal(t, 1, sections[1].Pending)
	assert.True(t, sections[1].Dirty)

	var lan int
	for _, z := range f.svc.ZoneStats() {
		if z.Name == "LAN" {
			lan = z.RefCount
		}
	}
	assert.Equal(t, 1, lan)
}

func TestWithMonitor(t *testing.T) {
	zones := zone.New(zone.WithLogger(logging.Nop()))
	require.NoError(t, zones.Load(testSnapshot()))
	store := chain.New(zones, logging.Nop())
	eng := engine.NewMemory()
	svc := New(zones, store, nil, WithLogger(logging.Nop()))
	mon := monitor.New(store, eng, monitor.WithLogger(logging.Nop()), monitor.WithCommitHook(svc.Persist))
	svc.SetPropagator(mon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	_, err := svc.CreateRule(ctx, fields("MAIN", "1"))
	require.NoError(t, err)

	waitCtx, done := context.WithTimeout(ctx, 5*time.Second)
	defer done()
	res, err := mon.Propagate(waitCtx, rule.SectionMain)
	require.NoError(t, err)
	if !res.Committed && !res.Skipped {
		t.Fatalf("Result = %+v", res)
	}
	assert.Equal(t, svc.ViewRuleset(rule.SectionMain, rule.VersionPending),
		svc.ViewRuleset(rule.SectionMain, rule.VersionActive))
	assert.Len(t, eng.Applied(rule.SectionMain), 1)
}
