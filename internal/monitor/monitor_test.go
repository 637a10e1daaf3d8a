package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"grimm.is/ruleplane/internal/chain"
	"grimm.is/ruleplane/internal/engine"
	"grimm.is/ruleplane/internal/events"
	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/zone"
)

type fixture struct {
	zones  *zone.Registry
	store  *chain.Store
	engine *engine.Memory
	mon    *Monitor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	zones := zone.New(zone.WithLogger(logging.Nop()), zone.WithStrict(true))
	err := zones.Load(zone.Snapshot{
		Builtins: map[string]zone.Entry{
			"WAN": {ID: 1},
			"LAN": {ID: 2},
			"DMZ": {ID: 3},
		},
	})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	f := &fixture{
		zones:  zones,
		store:  chain.New(zones, logging.Nop()),
		engine: engine.NewMemory(),
	}
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	f.mon = New(f.store, f.engine, opts...)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.mon.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) insert(t *testing.T, sec rule.Section, pos int, dstZone uint32, port uint16) {
	t.Helper()
	r := rule.Rule{
		Enabled:      true,
		DstZone:      dstZone,
		DstPrefix:    32,
		Protocol:     rule.ProtoTCP,
		DstPortStart: port,
		DstPortEnd:   port,
		Action:       rule.ActionAccept,
	}
	if err := f.store.Insert(sec, pos, r); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
}

func propagate(t *testing.T, m *Monitor, sec rule.Section) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Propagate(ctx, sec)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPropagate_Commits(t *testing.T) {
	var committed []rule.Section
	f := newFixture(t, WithCommitHook(func(s rule.Section) { committed = append(committed, s) }))
	f.start(t)

	f.insert(t, rule.SectionMain, 1, 2, 443)

	res, err := propagate(t, f.mon, rule.SectionMain)
	if err != nil {
		t.Fatalf("Propagate() error: %v", err)
	}
	if !res.Committed || res.Attempt == "" || res.Rules != 1 {
		t.Errorf("Result = %+v", res)
	}
	if f.store.State(rule.SectionMain) != chain.Synced {
		t.Error("section should be synced after commit")
	}
	applied := f.engine.Applied(rule.SectionMain)
	if len(applied) != 1 || applied[0][rule.FieldDstZone] != 2 {
		t.Errorf("engine holds %v", applied)
	}
	if got := f.store.View(rule.SectionMain, rule.VersionActive); len(got) != 1 {
		t.Errorf("active = %v", got)
	}
	if len(committed) != 1 || committed[0] != rule.SectionMain {
		t.Errorf("commit hook calls = %v", committed)
	}
}

func TestPropagate_SkipsSynced(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	res, err := propagate(t, f.mon, rule.SectionBefore)
	if err != nil {
		t.Fatalf("Propagate() error: %v", err)
	}
	if !res.Skipped {
		t.Errorf("Result = %+v, want skipped", res)
	}
	if f.engine.Calls(rule.SectionBefore) != 0 {
		t.Error("synced section must not reach the engine")
	}
}

func TestApplyFailure_KeepsActive(t *testing.T) {
	hub := events.NewHub()
	failures := hub.Subscribe(4, events.EventSectionApplyFailed)
	f := newFixture(t, WithEvents(hub))
	f.start(t)

	f.insert(t, rule.SectionMain, 1, 2, 443)
	if _, err := propagate(t, f.mon, rule.SectionMain); err != nil {
		t.Fatalf("first Propagate() error: %v", err)
	}
	before := f.store.View(rule.SectionMain, rule.VersionActive)

	f.insert(t, rule.SectionMain, 2, 3, 22)
	f.engine.FailNext(errors.New("engine rejected ruleset"))

	_, err := propagate(t, f.mon, rule.SectionMain)
	var ae *engine.ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("Propagate() error = %v, want *engine.ApplyError", err)
	}
	if ae.Section != rule.SectionMain || ae.Attempt == "" {
		t.Errorf("ApplyError = %+v", ae)
	}

	if f.store.State(rule.SectionMain) != chain.Dirty {
		t.Error("section should stay dirty after a failed apply")
	}
	after := f.store.View(rule.SectionMain, rule.VersionActive)
	if len(after) != 1 || after[0] != before[0] {
		t.Errorf("active changed after failed apply: %v", after)
	}
	if len(f.engine.Applied(rule.SectionMain)) != 1 {
		t.Error("engine should still hold the pre-edit ruleset")
	}

	st := f.mon.Status()[rule.SectionMain.Index()]
	if !st.Failed || st.LastError == "" || st.State != chain.Dirty {
		t.Errorf("Status = %+v", st)
	}

	select {
	case e := <-failures:
		data := e.Data.(events.SectionData)
		if data.Attempt != ae.Attempt || data.Version != ae.Version {
			t.Errorf("event payload = %+v", data)
		}
	case <-time.After(time.Second):
		t.Error("no apply_failed event")
	}

	t.Run("retry succeeds", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := f.mon.PropagateWith(ctx, rule.SectionMain, TriggerRetry)
		if err != nil {
			t.Fatalf("retry error: %v", err)
		}
		if !res.Committed || res.Rules != 2 {
			t.Errorf("Result = %+v", res)
		}
		if f.mon.Status()[rule.SectionMain.Index()].Failed {
			t.Error("failure flag should clear after a successful apply")
		}
	})
}

func TestPropagate_StaleCommitRepropagates(t *testing.T) {
	f := newFixture(t)

	var once sync.Once
	f.engine.SetHook(func(ctx context.Context, s rule.Section, rules []rule.Wire) error {
		// an edit lands while the first apply is in flight
		once.Do(func() { f.insert(t, rule.SectionMain, 2, 1, 80) })
		return nil
	})
	f.start(t)

	f.insert(t, rule.SectionMain, 1, 2, 443)
	res, err := propagate(t, f.mon, rule.SectionMain)
	if err != nil {
		t.Fatalf("Propagate() error: %v", err)
	}
	if !res.Committed || res.Rules != 2 || res.Trigger != TriggerStale {
		t.Errorf("Result = %+v", res)
	}
	if f.engine.Calls(rule.SectionMain) != 2 {
		t.Errorf("engine calls = %d, want 2", f.engine.Calls(rule.SectionMain))
	}
	if got := f.store.View(rule.SectionMain, rule.VersionActive); len(got) != 2 {
		t.Errorf("active = %d rules, want 2", len(got))
	}
}

func TestRollbackDuringApply(t *testing.T) {
	f := newFixture(t)

	var once sync.Once
	f.engine.SetHook(func(ctx context.Context, s rule.Section, rules []rule.Wire) error {
		once.Do(func() {
			if err := f.store.Rollback(rule.SectionAfter); err != nil {
				t.Errorf("Rollback() error: %v", err)
			}
		})
		return nil
	})
	f.start(t)

	f.insert(t, rule.SectionAfter, 1, 3, 53)
	res, err := propagate(t, f.mon, rule.SectionAfter)
	if err != nil {
		t.Fatalf("Propagate() error: %v", err)
	}
	if !res.Committed || res.Rules != 0 {
		t.Errorf("Result = %+v, want the rolled back (empty) chain committed", res)
	}
	if got := f.engine.Applied(rule.SectionAfter); len(got) != 0 {
		t.Errorf("engine still holds the withdrawn edit: %v", got)
	}
	if z, _ := f.zones.Resolve(3); z.RefCount != 0 {
		t.Errorf("DMZ RefCount = %d, want 0", z.RefCount)
	}
}

func TestPoll(t *testing.T) {
	f := newFixture(t, WithPollInterval(10*time.Millisecond))

	restored := []rule.Rule{{Enabled: true, DstZone: 1, DstPrefix: 32}}
	if err := f.store.Restore(rule.SectionBefore, restored, nil); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	f.start(t)

	waitFor(t, "restored section to sync", func() bool {
		return f.store.State(rule.SectionBefore) == chain.Synced
	})

	t.Run("failed section is left alone", func(t *testing.T) {
		f.engine.FailNext(errors.New("down"), errors.New("down"))
		f.insert(t, rule.SectionBefore, 1, 2, 22)
		if _, err := propagate(t, f.mon, rule.SectionBefore); err == nil {
			t.Fatal("expected apply failure")
		}
		calls := f.engine.Calls(rule.SectionBefore)
		time.Sleep(60 * time.Millisecond)
		if got := f.engine.Calls(rule.SectionBefore); got != calls {
			t.Errorf("poll retried a failed section: %d calls, want %d", got, calls)
		}
	})
}

func TestRetry_AfterFailedForcedApply(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.insert(t, rule.SectionMain, 1, 2, 443)
	if _, err := propagate(t, f.mon, rule.SectionMain); err != nil {
		t.Fatalf("Propagate() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f.engine.FailNext(errors.New("engine down"))
	if _, err := f.mon.PropagateWith(ctx, rule.SectionMain, TriggerReload); err == nil {
		t.Fatal("forced apply should fail")
	}
	calls := f.engine.Calls(rule.SectionMain)

	res, err := f.mon.PropagateWith(ctx, rule.SectionMain, TriggerRetry)
	if err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if res.Skipped || !res.Committed {
		t.Errorf("retry Result = %+v, want an applied commit", res)
	}
	if got := f.engine.Calls(rule.SectionMain); got != calls+1 {
		t.Errorf("engine calls = %d, want %d", got, calls+1)
	}
	st := f.mon.Status()[rule.SectionMain.Index()]
	if st.Failed || st.LastError != "" {
		t.Errorf("status after retry = %+v", st)
	}

	// once recovered, a synced section is skipped again
	res, err = f.mon.PropagateWith(ctx, rule.SectionMain, TriggerRetry)
	if err != nil || !res.Skipped {
		t.Errorf("second retry = %+v, %v; want skipped", res, err)
	}
}

func TestNotifyAll_ReappliesSynced(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.mon.NotifyAll("interfaces changed")
	waitFor(t, "every section applied", func() bool {
		for _, s := range rule.Sections {
			if f.engine.Calls(s) != 1 {
				return false
			}
		}
		return true
	})
}

func TestSingleWriter(t *testing.T) {
	f := newFixture(t)
	f.engine.SetHook(func(ctx context.Context, s rule.Section, rules []rule.Wire) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	f.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sec := rule.Sections[i%3]
			for j := 0; j < 10; j++ {
				if err := f.store.Insert(sec, 1, rule.Rule{Enabled: true, DstPrefix: 32}); err != nil {
					t.Errorf("Insert() error: %v", err)
					return
				}
				f.mon.Notify(sec)
			}
		}(i)
	}
	wg.Wait()

	for _, sec := range rule.Sections {
		if _, err := propagate(t, f.mon, sec); err != nil {
			t.Fatalf("Propagate(%s) error: %v", sec, err)
		}
		if f.store.State(sec) != chain.Synced {
			t.Errorf("%s not synced", sec)
		}
	}
	if n := f.engine.Reentries(); n != 0 {
		t.Errorf("engine entered concurrently %d times", n)
	}
}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Apply(ctx context.Context, section rule.Section, rules []rule.Wire) error {
	args := m.Called(ctx, section, rules)
	return args.Error(0)
}

func (m *mockEngine) Close() error { return nil }

func TestPropagate_CallsEngineOnce(t *testing.T) {
	zones := zone.New(zone.WithLogger(logging.Nop()))
	if err := zones.Load(zone.Snapshot{Builtins: map[string]zone.Entry{"LAN": {ID: 2}}}); err != nil {
		t.Fatal(err)
	}
	store := chain.New(zones, logging.Nop())
	eng := &mockEngine{}
	eng.On("Apply", mock.Anything, rule.SectionBefore, mock.MatchedBy(func(w []rule.Wire) bool {
		return len(w) == 1 && w[0][rule.FieldDstZone] == 2
	})).Return(nil).Once()

	m := New(store, eng, WithLogger(logging.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if err := store.Insert(rule.SectionBefore, 1, rule.Rule{DstZone: 2, DstPrefix: 32}); err != nil {
		t.Fatal(err)
	}
	if _, err := propagate(t, m, rule.SectionBefore); err != nil {
		t.Fatalf("Propagate() error: %v", err)
	}
	// a second request with nothing new is skipped
	if res, err := propagate(t, m, rule.SectionBefore); err != nil || !res.Skipped {
		t.Fatalf("second Propagate() = %+v, %v", res, err)
	}
	eng.AssertExpectations(t)
}

func TestPropagate_ContextCanceled(t *testing.T) {
	f := newFixture(t)
	// not started: nothing drains the queue
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.mon.Propagate(ctx, rule.SectionMain); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Propagate() error = %v, want deadline exceeded", err)
	}
}

func TestTrigger_Force(t *testing.T) {
	for _, tt := range []struct {
		t     Trigger
		force bool
	}{
		{TriggerPoll, false},
		{TriggerEdit, false},
		{TriggerRetry, false},
		{TriggerReload, true},
		{TriggerRollback, true},
		{TriggerStale, true},
	} {
		if got := tt.t.force(); got != tt.force {
			t.Errorf("%s.force() = %v, want %v", tt.t, got, tt.force)
		}
	}
}
