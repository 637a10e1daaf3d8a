package rule

import (
	"fmt"
	"net/netip"
	"strings"
)

// ErrorSentinel marks a display field the codec could not map. It signals a
// desynchronization between the zone registry and the rule chains.
const ErrorSentinel = "ERROR"

// blank is shown for unset profile fields so every row keeps its width.
const blank = " "

// ZoneNamer maps zone ids to display names.
type ZoneNamer interface {
	Name(id uint32) (string, bool)
}

// Display is the operator-facing rendering of one wire rule. Columns merged
// into neighbours (prefixes, port ends) do not appear on their own.
type Display struct {
	Position int    `json:"position" yaml:"position"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	SrcZone  string `json:"src_zone" yaml:"src_zone"`
	SrcNet   string `json:"src_net" yaml:"src_net"`
	SrcPort  string `json:"src_port" yaml:"src_port"`
	DstZone  string `json:"dst_zone" yaml:"dst_zone"`
	DstNet   string `json:"dst_net" yaml:"dst_net"`
	DstPort  string `json:"dst_port" yaml:"dst_port"`
	Action   string `json:"action" yaml:"action"`
	Log      string `json:"log" yaml:"log"`
	IPProxy  string `json:"ip_proxy" yaml:"ip_proxy"`
	Other    string `json:"other" yaml:"other"`
}

// Columns returns the row in table order.
func (d Display) Columns() []string {
	enabled := "N"
	if d.Enabled {
		enabled = "Y"
	}
	return []string{
		fmt.Sprint(d.Position), enabled,
		d.SrcZone, d.SrcNet, d.SrcPort,
		d.DstZone, d.DstNet, d.DstPort,
		d.Action, d.Log, d.IPProxy, d.Other,
	}
}

// DisplayHeader names the Columns of a Display.
var DisplayHeader = []string{
	"#", "on", "src_zone", "src_net", "src_port",
	"dst_zone", "dst_net", "dst_port", "action", "log", "ip_proxy", "other",
}

// ConsistencyError reports display fields that rendered as ErrorSentinel.
type ConsistencyError struct {
	Position int
	Fields   []string
	Wire     Wire
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency fault at position %d: unmapped %s (wire %v)",
		e.Position, strings.Join(e.Fields, ", "), e.Wire.Ints())
}

// Render converts w to its display form. Unmapped zones and unknown protocols
// render as ErrorSentinel and are reported through a *ConsistencyError; the
// row is still returned so callers can show what was found.
func Render(position int, w Wire, zones ZoneNamer) (Display, error) {
	d := Display{
		Position: position,
		Enabled:  w[FieldEnabled] != 0,
		SrcNet:   network(w[FieldSrcNet], w[FieldSrcPrefix]),
		DstNet:   network(w[FieldDstNet], w[FieldDstPrefix]),
		Action:   ActionDrop.String(),
		Log:      "N",
		IPProxy:  profile(w[FieldIPProxy]),
		Other:    profile(w[FieldOther]),
	}
	if w[FieldAction] != 0 {
		d.Action = ActionAccept.String()
	}
	if w[FieldLog] != 0 {
		d.Log = "Y"
	}

	var faults []string
	d.SrcZone = zoneName(w[FieldSrcZone], zones)
	if d.SrcZone == ErrorSentinel {
		faults = append(faults, "src_zone")
	}
	d.DstZone = zoneName(w[FieldDstZone], zones)
	if d.DstZone == ErrorSentinel {
		faults = append(faults, "dst_zone")
	}
	d.SrcPort = port(w[FieldSrcSelector], w[FieldSrcPortEnd])
	if strings.HasPrefix(d.SrcPort, ErrorSentinel) {
		faults = append(faults, "src_port")
	}
	d.DstPort = port(w[FieldDstSelector], w[FieldDstPortEnd])
	if strings.HasPrefix(d.DstPort, ErrorSentinel) {
		faults = append(faults, "dst_port")
	}

	if len(faults) > 0 {
		return d, &ConsistencyError{Position: position, Fields: faults, Wire: w}
	}
	return d, nil
}

func zoneName(id uint32, zones ZoneNamer) string {
	if id == AnyZone {
		return "any"
	}
	if zones == nil {
		return ErrorSentinel
	}
	if name, ok := zones.Name(id); ok {
		return name
	}
	return ErrorSentinel
}

// network renders addr/prefix as a CIDR string, e.g. 192.168.1.0/24.
func network(addr, prefix uint32) string {
	if prefix > 32 {
		return ErrorSentinel
	}
	return netip.PrefixFrom(Uint32ToAddr(addr), int(prefix)).Masked().String()
}

// port renders a selector pair as proto/start or proto/start-end.
func port(sel, end uint32) string {
	proto, start := splitSelector(sel)
	name := ErrorSentinel
	if proto.Known() {
		name = proto.String()
	}
	p2 := end & 0xffff
	if uint32(start) < p2 {
		return fmt.Sprintf("%s/%d-%d", name, start, p2)
	}
	return fmt.Sprintf("%s/%d", name, start)
}

func profile(v uint32) string {
	if v == 0 {
		return blank
	}
	return fmt.Sprint(v)
}

// AddrToUint32 converts an IPv4 address to its wire integer.
func AddrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Uint32ToAddr converts a wire integer to an IPv4 address.
func Uint32ToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
