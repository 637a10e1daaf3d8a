package rule

import (
	"errors"
	"math/rand"
	"net/netip"
	"testing"
)

type zoneNames map[uint32]string

func (z zoneNames) Name(id uint32) (string, bool) {
	n, ok := z[id]
	return n, ok
}

func randomRule(rng *rand.Rand) Rule {
	protos := []Protocol{ProtoAny, ProtoICMP, ProtoTCP, ProtoUDP}
	prefix := uint8(rng.Intn(33))
	return Rule{
		Enabled:        rng.Intn(2) == 1,
		SrcZone:        uint32(rng.Intn(8)),
		SrcNet:         rng.Uint32(),
		SrcPrefix:      prefix,
		DstZone:        uint32(rng.Intn(8)),
		DstNet:         rng.Uint32(),
		DstPrefix:      uint8(rng.Intn(33)),
		Protocol:       protos[rng.Intn(len(protos))],
		SrcPortStart:   uint16(rng.Intn(65536)),
		SrcPortEnd:     uint16(rng.Intn(65536)),
		DstPortStart:   uint16(rng.Intn(65536)),
		DstPortEnd:     uint16(rng.Intn(65536)),
		Action:         Action(rng.Intn(2)),
		Log:            rng.Intn(2) == 1,
		IPProxyProfile: uint32(rng.Intn(4)),
		OtherProfile:   uint32(rng.Intn(4)),
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		r := randomRule(rng)
		got, err := Decode(Encode(r))
		if err != nil {
			t.Fatalf("iteration %d: Decode(Encode(%+v)) error: %v", i, r, err)
		}
		if got != r {
			t.Fatalf("iteration %d: round trip mismatch\n got: %+v\nwant: %+v", i, got, r)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	r := Rule{
		Enabled:      true,
		SrcZone:      AnyZone,
		DstZone:      2,
		DstNet:       AddrToUint32(netip.MustParseAddr("10.0.0.0")),
		DstPrefix:    8,
		Protocol:     ProtoTCP,
		DstPortStart: 443,
		DstPortEnd:   443,
		Action:       ActionAccept,
		Log:          true,
	}

	w := Encode(r)
	want := Wire{1, 0, 0, 0, 6 << 16, 0, 2, 0x0a000000, 8, 6<<16 | 443, 443, 1, 1, 0, 0}
	if w != want {
		t.Errorf("Encode() = %v, want %v", w, want)
	}
}

func TestDecodeOriginalExample(t *testing.T) {
	w := Wire{1, 0, 4294967295, 32, 65537, 65535, 0, 4294967295, 32, 131071, 65535, 1, 0, 0, 0}
	r, err := Decode(w)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if r.Protocol != ProtoICMP {
		t.Errorf("protocol = %s, want icmp", r.Protocol)
	}
	if r.SrcPortStart != 1 || r.DstPortStart != 65535 {
		t.Errorf("ports = %d/%d, want 1/65535", r.SrcPortStart, r.DstPortStart)
	}
	if Encode(r) != w {
		t.Errorf("re-encode mismatch: %v", Encode(r))
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid := Encode(Rule{Enabled: true, Protocol: ProtoTCP, DstPortStart: 80, Action: ActionAccept})

	tests := []struct {
		name   string
		mutate func(w *Wire)
	}{
		{"enabled not boolean", func(w *Wire) { w[FieldEnabled] = 2 }},
		{"log not boolean", func(w *Wire) { w[FieldLog] = 7 }},
		{"src prefix too long", func(w *Wire) { w[FieldSrcPrefix] = 33 }},
		{"dst prefix too long", func(w *Wire) { w[FieldDstPrefix] = 40 }},
		{"unknown protocol", func(w *Wire) { w[FieldSrcSelector] = 47<<16 | 80; w[FieldDstSelector] = 47<<16 | 80 }},
		{"protocol mismatch", func(w *Wire) { w[FieldSrcSelector] = uint32(ProtoUDP) << 16 }},
		{"protocol code overflow", func(w *Wire) { w[FieldDstSelector] = 0xffff0000 }},
		{"port end out of range", func(w *Wire) { w[FieldDstPortEnd] = 70000 }},
		{"unknown action", func(w *Wire) { w[FieldAction] = 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := valid
			tt.mutate(&w)
			_, err := Decode(w)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestParseWire(t *testing.T) {
	if _, err := ParseWire(make([]int64, 14)); !errors.Is(err, ErrMalformed) {
		t.Errorf("short array: error = %v, want ErrMalformed", err)
	}
	vals := make([]int64, WireLen)
	vals[FieldSrcNet] = 4294967296
	if _, err := ParseWire(vals); !errors.Is(err, ErrMalformed) {
		t.Errorf("overflow: error = %v, want ErrMalformed", err)
	}
	vals[FieldSrcNet] = 4294967295
	w, err := ParseWire(vals)
	if err != nil {
		t.Fatalf("ParseWire() error: %v", err)
	}
	if w[FieldSrcNet] != 4294967295 {
		t.Errorf("src net = %d", w[FieldSrcNet])
	}
}

func TestRender(t *testing.T) {
	zones := zoneNames{1: "WAN", 2: "LAN"}

	t.Run("mapped", func(t *testing.T) {
		w := Encode(Rule{
			Enabled:      true,
			SrcZone:      2,
			SrcNet:       AddrToUint32(netip.MustParseAddr("192.168.1.0")),
			SrcPrefix:    24,
			DstZone:      1,
			Protocol:     ProtoTCP,
			DstPortStart: 8000,
			DstPortEnd:   8080,
			Action:       ActionAccept,
			Log:          true,
			OtherProfile: 3,
		})
		d, err := Render(4, w, zones)
		if err != nil {
			t.Fatalf("Render() error: %v", err)
		}
		if d.SrcZone != "LAN" || d.DstZone != "WAN" {
			t.Errorf("zones = %s -> %s", d.SrcZone, d.DstZone)
		}
		if d.SrcNet != "192.168.1.0/24" || d.DstNet != "0.0.0.0/0" {
			t.Errorf("nets = %s -> %s", d.SrcNet, d.DstNet)
		}
		if d.SrcPort != "tcp/0" || d.DstPort != "tcp/8000-8080" {
			t.Errorf("ports = %s -> %s", d.SrcPort, d.DstPort)
		}
		if d.Action != "accept" || d.Log != "Y" {
			t.Errorf("action/log = %s/%s", d.Action, d.Log)
		}
		if d.IPProxy != " " || d.Other != "3" {
			t.Errorf("profiles = %q/%q", d.IPProxy, d.Other)
		}
		if len(d.Columns()) != len(DisplayHeader) {
			t.Errorf("columns = %d, header = %d", len(d.Columns()), len(DisplayHeader))
		}
	})

	t.Run("unmapped zone is a consistency fault", func(t *testing.T) {
		w := Encode(Rule{SrcZone: 9, DstZone: 2, Action: ActionDrop})
		d, err := Render(1, w, zones)
		var ce *ConsistencyError
		if !errors.As(err, &ce) {
			t.Fatalf("Render() error = %v, want *ConsistencyError", err)
		}
		if d.SrcZone != ErrorSentinel {
			t.Errorf("src zone = %q, want %q", d.SrcZone, ErrorSentinel)
		}
		if len(ce.Fields) != 1 || ce.Fields[0] != "src_zone" {
			t.Errorf("fault fields = %v", ce.Fields)
		}
	})

	t.Run("unknown protocol is a consistency fault", func(t *testing.T) {
		var w Wire
		w[FieldDstSelector] = 50<<16 | 22
		d, err := Render(1, w, zones)
		var ce *ConsistencyError
		if !errors.As(err, &ce) {
			t.Fatalf("Render() error = %v, want *ConsistencyError", err)
		}
		if d.DstPort != "ERROR/22" {
			t.Errorf("dst port = %q", d.DstPort)
		}
	})
}

func TestParseSection(t *testing.T) {
	for in, want := range map[string]Section{"before": SectionBefore, "MAIN": SectionMain, "3": SectionAfter} {
		got, err := ParseSection(in)
		if err != nil || got != want {
			t.Errorf("ParseSection(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseSection("MIDDLE"); err == nil {
		t.Error("expected error for unknown section")
	}
}
