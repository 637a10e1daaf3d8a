// Package rule defines the firewall rule model shared by the chain store, the
// validation pipeline and the packet-matching engine, together with the fixed
// 15-integer wire codec the engine consumes.
package rule

import (
	"fmt"
	"strings"
)

// Section is one of the three chain phases the engine evaluates in order.
type Section uint8

const (
	SectionBefore Section = 1
	SectionMain   Section = 2
	SectionAfter  Section = 3
)

// Sections lists every section in traversal order.
var Sections = []Section{SectionBefore, SectionMain, SectionAfter}

func (s Section) String() string {
	switch s {
	case SectionBefore:
		return "BEFORE"
	case SectionMain:
		return "MAIN"
	case SectionAfter:
		return "AFTER"
	default:
		return fmt.Sprintf("SECTION(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the three known sections.
func (s Section) Valid() bool {
	switch s {
	case SectionBefore, SectionMain, SectionAfter:
		return true
	}
	return false
}

// Index returns the zero-based slot of a valid section.
func (s Section) Index() int {
	return int(s) - 1
}

// ParseSection accepts the section name (case-insensitive) or its numeric value.
func ParseSection(v string) (Section, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BEFORE", "1":
		return SectionBefore, nil
	case "MAIN", "2":
		return SectionMain, nil
	case "AFTER", "3":
		return SectionAfter, nil
	}
	return 0, fmt.Errorf("unknown section %q", v)
}

// Version selects the staged or the enforced copy of a chain.
type Version uint8

const (
	VersionPending Version = iota
	VersionActive
)

func (v Version) String() string {
	if v == VersionActive {
		return "active"
	}
	return "pending"
}

// ParseVersion parses "pending" or "active".
func ParseVersion(v string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "pending":
		return VersionPending, nil
	case "active":
		return VersionActive, nil
	}
	return 0, fmt.Errorf("unknown version %q (must be pending or active)", v)
}

// Protocol is the closed set of protocols the engine can match.
type Protocol uint8

const (
	ProtoAny  Protocol = 0
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoAny:
		return "any"
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Known reports whether p has a wire representation.
func (p Protocol) Known() bool {
	switch p {
	case ProtoAny, ProtoICMP, ProtoTCP, ProtoUDP:
		return true
	}
	return false
}

// HasPorts reports whether port selectors are meaningful for p.
func (p Protocol) HasPorts() bool {
	return p == ProtoTCP || p == ProtoUDP
}

// ParseProtocol parses a protocol name or number.
func ParseProtocol(v string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "any", "all", "0":
		return ProtoAny, nil
	case "icmp", "1":
		return ProtoICMP, nil
	case "tcp", "6":
		return ProtoTCP, nil
	case "udp", "17":
		return ProtoUDP, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", v)
}

// Action is the verdict applied to matching traffic.
type Action uint8

const (
	ActionDrop   Action = 0
	ActionAccept Action = 1
)

func (a Action) String() string {
	if a == ActionAccept {
		return "accept"
	}
	return "drop"
}

// ParseAction parses "accept" or "drop".
func ParseAction(v string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "accept", "allow", "1":
		return ActionAccept, nil
	case "drop", "deny", "0":
		return ActionDrop, nil
	}
	return 0, fmt.Errorf("unknown action %q", v)
}

// AnyZone is the reserved zone id meaning "any zone".
const AnyZone uint32 = 0

// Rule is a single firewall rule. Section and Position locate the rule in its
// chain and are not part of the wire form.
type Rule struct {
	Section  Section `json:"section" yaml:"section"`
	Position int     `json:"position" yaml:"position"`

	Enabled bool `json:"enabled" yaml:"enabled"`

	SrcZone   uint32 `json:"src_zone" yaml:"src_zone"`
	SrcNet    uint32 `json:"src_net" yaml:"src_net"`
	SrcPrefix uint8  `json:"src_prefix" yaml:"src_prefix"`

	DstZone   uint32 `json:"dst_zone" yaml:"dst_zone"`
	DstNet    uint32 `json:"dst_net" yaml:"dst_net"`
	DstPrefix uint8  `json:"dst_prefix" yaml:"dst_prefix"`

	Protocol     Protocol `json:"protocol" yaml:"protocol"`
	SrcPortStart uint16   `json:"src_port_start" yaml:"src_port_start"`
	SrcPortEnd   uint16   `json:"src_port_end" yaml:"src_port_end"`
	DstPortStart uint16   `json:"dst_port_start" yaml:"dst_port_start"`
	DstPortEnd   uint16   `json:"dst_port_end" yaml:"dst_port_end"`

	Action Action `json:"action" yaml:"action"`
	Log    bool   `json:"log" yaml:"log"`

	IPProxyProfile uint32 `json:"ip_proxy_profile,omitempty" yaml:"ip_proxy_profile,omitempty"`
	OtherProfile   uint32 `json:"other_profile,omitempty" yaml:"other_profile,omitempty"`
}

// Zones returns the source and destination zone ids of r.
func (r Rule) Zones() (src, dst uint32) {
	return r.SrcZone, r.DstZone
}

// Located returns a copy of r placed at section/position.
func (r Rule) Located(section Section, position int) Rule {
	r.Section = section
	r.Position = position
	return r
}

// PortRange normalises a start/end pair: end <= start is the single port start.
func PortRange(start, end uint16) (uint16, uint16) {
	if end <= start {
		return start, start
	}
	return start, end
}
