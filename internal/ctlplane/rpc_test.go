package ctlplane

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"grimm.is/ruleplane/internal/chain"
	"grimm.is/ruleplane/internal/engine"
	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/monitor"
	"grimm.is/ruleplane/internal/policy"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/zone"
)

// startStack runs a full policy stack behind a server on a fresh socket.
func startStack(t *testing.T) (*Client, *engine.Memory) {
	t.Helper()

	// unix socket paths are limited to ~108 bytes; keep it short
	dir, err := os.MkdirTemp("", "rp")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "ctl.sock")

	zones := zone.New(zone.WithLogger(logging.Nop()), zone.WithStrict(true))
	if err := zones.Load(zone.Snapshot{
		Builtins:    map[string]zone.Entry{"WAN": {ID: 1}, "LAN": {ID: 2}},
		UserDefined: map[string]zone.Entry{"GUEST": {ID: 10}},
	}); err != nil {
		t.Fatal(err)
	}
	chains := chain.New(zones, logging.Nop())
	eng := engine.NewMemory()
	mon := monitor.New(chains, eng, monitor.WithLogger(logging.Nop()))
	svc := policy.New(zones, chains, mon, policy.WithLogger(logging.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mon.Run(ctx)
	}()

	srv := NewServer(svc, "", logging.Nop())
	if err := srv.Start(sock); err != nil {
		cancel()
		t.Fatalf("Start() error: %v", err)
	}

	client, err := NewClient(sock)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		srv.Stop()
		cancel()
		<-done
	})
	return client, eng
}

func TestRPC_RuleLifecycle(t *testing.T) {
	client, eng := startStack(t)

	created, err := client.CreateRule(map[string]string{
		"section":     "MAIN",
		"position":    "1",
		"src_zone":    "LAN",
		"src_ip":      "",
		"src_netmask": "",
		"dst_zone":    "WAN",
		"dst_ip":      "0.0.0.0",
		"dst_netmask": "0",
		"protocol":    "tcp",
		"dst_port":    "443",
		"action":      "accept",
	})
	if err != nil {
		t.Fatalf("CreateRule() error: %v", err)
	}
	if created.Position != 1 || created.Display.DstPort != "tcp/443" {
		t.Errorf("CreateRule() = %+v", created)
	}

	pending, err := client.ViewRuleset("MAIN", "pending")
	if err != nil {
		t.Fatalf("ViewRuleset() error: %v", err)
	}
	if len(pending.Rules) != 1 || pending.Rules[1][rule.FieldSrcZone] != 2 {
		t.Errorf("pending MAIN = %v", pending.Rules)
	}

	// Retry waits for the monitor, so active is populated afterwards
	retry, err := client.Retry("MAIN")
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if retry.Result.Section != rule.SectionMain {
		t.Errorf("Retry() section = %v", retry.Result.Section)
	}
	active, err := client.Render("MAIN", "active")
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if len(active.Rows) != 1 || active.Rows[0].SrcZone != "LAN" {
		t.Errorf("active MAIN = %+v", active.Rows)
	}
	if got := eng.Applied(rule.SectionMain); len(got) != 1 {
		t.Errorf("engine holds %d MAIN rules, want 1", len(got))
	}

	status, err := client.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus() error: %v", err)
	}
	if len(status.Sections) != len(rule.Sections) {
		t.Errorf("GetStatus() sections = %d", len(status.Sections))
	}

	// keep the delete pending so the diff and rollback see it
	eng.FailNext(errors.New("engine down"))
	if _, err := client.DeleteRule("MAIN", 1); err != nil {
		t.Fatalf("DeleteRule() error: %v", err)
	}
	d, err := client.Diff("MAIN")
	if err != nil {
		t.Fatalf("Diff() error: %v", err)
	}
	if !strings.Contains(d, "-Y | LAN") {
		t.Errorf("Diff() = %q, want the removed row", d)
	}

	if err := client.Rollback("MAIN"); err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}
	pending, err = client.ViewRuleset("MAIN", "pending")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Rules) != 1 {
		t.Errorf("pending after rollback = %d rules, want 1", len(pending.Rules))
	}
}

func TestRPC_ValidationErrorCrossesSocket(t *testing.T) {
	client, _ := startStack(t)

	_, err := client.CreateRule(map[string]string{"section": "MAIN"})
	if err == nil {
		t.Fatal("CreateRule() with missing fields succeeded")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %v, want a required-field rejection", err)
	}

	_, err = client.DeleteRule("AFTER", 3)
	if err == nil || !strings.Contains(err.Error(), "position") {
		t.Errorf("DeleteRule() error = %v, want a position rejection", err)
	}
}

func TestRPC_Zones(t *testing.T) {
	client, _ := startStack(t)

	reply, err := client.Zones()
	if err != nil {
		t.Fatalf("Zones() error: %v", err)
	}
	names := map[string]bool{}
	for _, z := range reply.Zones {
		names[z.Name] = true
	}
	for _, want := range []string{"WAN", "LAN", "GUEST"} {
		if !names[want] {
			t.Errorf("Zones() missing %s", want)
		}
	}

	if _, err := client.Events(10); err == nil {
		t.Error("Events() without a journal should fail")
	}
}

func TestClient_Reconnect(t *testing.T) {
	client, _ := startStack(t)

	// drop the connection; the next call dials again
	client.mu.Lock()
	client.client.Close()
	client.mu.Unlock()

	if _, err := client.Zones(); err != nil {
		t.Fatalf("Zones() after reconnect: %v", err)
	}
}

func TestNewClient_NoServer(t *testing.T) {
	if _, err := NewClient(filepath.Join(t.TempDir(), "none.sock")); err == nil {
		t.Error("NewClient() to a missing socket should fail")
	}
}
