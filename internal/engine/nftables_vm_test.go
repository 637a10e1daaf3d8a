//go:build linux

package engine

import (
	"context"
	"testing"

	"github.com/google/nftables"

	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/testutil"
)

func TestNFTables_Kernel(t *testing.T) {
	testutil.RequireVM(t)

	const table = "ruleplane_test"
	eng, err := New(Config{Driver: DriverNFTables, Table: table}, zoneIfaces{1: {"lo"}}, logging.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	wires := []rule.Wire{
		rule.Encode(rule.Rule{Enabled: true, SrcZone: 1, Protocol: rule.ProtoTCP,
			DstPortStart: 22, DstPortEnd: 22, Action: rule.ActionAccept}),
		rule.Encode(rule.Rule{Enabled: true, Action: rule.ActionDrop}),
	}
	if err := eng.Apply(context.Background(), rule.SectionMain, wires); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	conn, err := nftables.New()
	if err != nil {
		t.Fatal(err)
	}
	tbl := &nftables.Table{Name: table, Family: nftables.TableFamilyINet}
	loaded, err := conn.GetRules(tbl, &nftables.Chain{Name: "main", Table: tbl})
	if err != nil {
		t.Fatalf("GetRules() error: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("kernel holds %d MAIN rules, want 2", len(loaded))
	}

	// re-applying replaces rather than appends
	if err := eng.Apply(context.Background(), rule.SectionMain, wires[:1]); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	loaded, _ = conn.GetRules(tbl, &nftables.Chain{Name: "main", Table: tbl})
	if len(loaded) != 1 {
		t.Errorf("kernel holds %d MAIN rules after re-apply, want 1", len(loaded))
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	tables, _ := conn.ListTables()
	for _, tb := range tables {
		if tb.Name == table {
			t.Error("Close() left the table behind")
		}
	}
}
