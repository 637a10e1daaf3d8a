package validation

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/zone"
)

// Candidate field keys.
const (
	FieldSection    = "section"
	FieldPosition   = "position"
	FieldEnabled    = "enabled"
	FieldSrcZone    = "src_zone"
	FieldSrcIP      = "src_ip"
	FieldSrcNetmask = "src_netmask"
	FieldSrcPort    = "src_port"
	FieldDstZone    = "dst_zone"
	FieldDstIP      = "dst_ip"
	FieldDstNetmask = "dst_netmask"
	FieldDstPort    = "dst_port"
	FieldProtocol   = "protocol"
	FieldAction     = "action"
	FieldLog        = "log"
	FieldIPProxy    = "ip_proxy"
	FieldOther      = "other"
)

// RequiredFields must be present in every create request. An empty src_ip is
// allowed and means any source network.
var RequiredFields = []string{
	FieldPosition, FieldSrcIP, FieldSrcNetmask,
	FieldDstIP, FieldDstNetmask, FieldProtocol, FieldDstPort,
}

// ValidationError is a user-facing rejection naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CandidateFields is an unvalidated create request as submitted by an admin
// client: field key to raw string value.
type CandidateFields map[string]string

// Candidate is a rule that passed ValidateCreate. It is the only way a new rule
// reaches the chain store.
type Candidate struct {
	section  rule.Section
	position int
	rule     rule.Rule
}

// Section returns the target section.
func (c Candidate) Section() rule.Section { return c.section }

// Position returns the requested 1-based position.
func (c Candidate) Position() int { return c.position }

// Rule returns the validated rule located at its section and position.
func (c Candidate) Rule() rule.Rule {
	return c.rule.Located(c.section, c.position)
}

// ZoneLookup is the part of the zone registry validation reads.
type ZoneLookup interface {
	Resolve(id uint32) (zone.Zone, error)
	ResolveByName(name string) (zone.Zone, error)
}

// PositionChecker reports the current length of a section's pending chain.
type PositionChecker interface {
	PendingLen(section rule.Section) int
}

// ValidateCreate runs every create check in order and stops at the first
// failure. It never mutates state.
func ValidateCreate(f CandidateFields, zones ZoneLookup) (Candidate, error) {
	// 1. required fields
	for _, key := range RequiredFields {
		if _, ok := f[key]; !ok {
			return Candidate{}, invalid(key, "required")
		}
	}

	// 2. section
	section, err := parseSection(f[FieldSection])
	if err != nil {
		return Candidate{}, err
	}

	position, err := parsePosition(f[FieldPosition])
	if err != nil {
		return Candidate{}, err
	}

	var r rule.Rule

	// 3. addresses
	if strings.TrimSpace(f[FieldSrcIP]) != "" {
		if r.SrcNet, r.SrcPrefix, err = parseNetwork(f, FieldSrcIP, FieldSrcNetmask); err != nil {
			return Candidate{}, err
		}
	}
	if strings.TrimSpace(f[FieldDstIP]) == "" {
		return Candidate{}, invalid(FieldDstIP, "required")
	}
	if r.DstNet, r.DstPrefix, err = parseNetwork(f, FieldDstIP, FieldDstNetmask); err != nil {
		return Candidate{}, err
	}

	// 4. protocol and ports
	proto := strings.ToLower(strings.TrimSpace(f[FieldProtocol]))
	if err := ValidateProtocol(proto); err != nil {
		return Candidate{}, invalid(FieldProtocol, "must be one of any, icmp, tcp, udp")
	}
	r.Protocol, _ = rule.ParseProtocol(proto)
	if r.SrcPortStart, r.SrcPortEnd, err = parsePortRange(FieldSrcPort, f[FieldSrcPort]); err != nil {
		return Candidate{}, err
	}
	if r.DstPortStart, r.DstPortEnd, err = parsePortRange(FieldDstPort, f[FieldDstPort]); err != nil {
		return Candidate{}, err
	}

	// 5. zones
	if r.SrcZone, err = resolveZone(zones, FieldSrcZone, f[FieldSrcZone]); err != nil {
		return Candidate{}, err
	}
	if r.DstZone, err = resolveZone(zones, FieldDstZone, f[FieldDstZone]); err != nil {
		return Candidate{}, err
	}

	// remaining optional fields
	r.Action = rule.ActionDrop
	if v := strings.TrimSpace(f[FieldAction]); v != "" {
		if r.Action, err = rule.ParseAction(v); err != nil {
			return Candidate{}, invalid(FieldAction, "must be accept or drop")
		}
	}
	if r.Enabled, err = parseFlag(FieldEnabled, f[FieldEnabled], true); err != nil {
		return Candidate{}, err
	}
	if r.Log, err = parseFlag(FieldLog, f[FieldLog], false); err != nil {
		return Candidate{}, err
	}
	if r.IPProxyProfile, err = parseProfile(FieldIPProxy, f[FieldIPProxy]); err != nil {
		return Candidate{}, err
	}
	if r.OtherProfile, err = parseProfile(FieldOther, f[FieldOther]); err != nil {
		return Candidate{}, err
	}

	return Candidate{section: section, position: position, rule: r}, nil
}

// ValidateDelete checks that position exists in the section's pending chain.
func ValidateDelete(sectionValue string, position int, chains PositionChecker) (rule.Section, error) {
	section, err := parseSection(sectionValue)
	if err != nil {
		return 0, err
	}
	n := chains.PendingLen(section)
	if position < 1 || position > n {
		return 0, invalid(FieldPosition, "%d does not exist in pending %s chain (1-%d)", position, section, n)
	}
	return section, nil
}

func parseSection(v string) (rule.Section, error) {
	if strings.TrimSpace(v) == "" {
		return 0, invalid(FieldSection, "required")
	}
	s, err := rule.ParseSection(v)
	if err != nil {
		return 0, invalid(FieldSection, "must be BEFORE, MAIN or AFTER")
	}
	return s, nil
}

func parsePosition(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, invalid(FieldPosition, "not a number")
	}
	if n < 1 {
		return 0, invalid(FieldPosition, "must be 1 or greater")
	}
	return n, nil
}

func parseNetwork(f CandidateFields, ipField, maskField string) (uint32, uint8, error) {
	addr, err := ParseIPv4(f[ipField])
	if err != nil {
		return 0, 0, invalid(ipField, "invalid IPv4 address")
	}
	bits, err := ParsePrefixLen(f[maskField])
	if err != nil {
		return 0, 0, invalid(maskField, "invalid netmask or prefix length")
	}
	// stored as the network base address
	masked, _ := addr.Prefix(bits)
	return rule.AddrToUint32(masked.Addr()), uint8(bits), nil
}

// parsePortRange accepts "", "port" or "start-end". Empty means any (0).
func parsePortRange(field, v string) (uint16, uint16, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, 0, nil
	}
	lo, hi, isRange := strings.Cut(v, "-")
	start, err := parsePort(field, lo)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return start, start, nil
	}
	end, err := parsePort(field, hi)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, invalid(field, "range end before start")
	}
	return start, end, nil
}

func parsePort(field, v string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, invalid(field, "not a number")
	}
	if ValidatePortNumber(n) != nil {
		return 0, invalid(field, "out of range")
	}
	return uint16(n), nil
}

// resolveZone accepts a zone name or numeric id. Empty or "any" is zone 0.
func resolveZone(zones ZoneLookup, field, v string) (uint32, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == zone.AnyName {
		return rule.AnyZone, nil
	}
	if n, err := strconv.ParseUint(v, 10, 32); err == nil {
		z, err := zones.Resolve(uint32(n))
		if err != nil {
			return 0, invalid(field, "unknown zone %s", v)
		}
		return z.ID, nil
	}
	z, err := zones.ResolveByName(v)
	if err != nil {
		return 0, invalid(field, "unknown zone %s", v)
	}
	return z.ID, nil
}

func parseFlag(field, v string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return def, nil
	case "1", "y", "yes", "true", "on":
		return true, nil
	case "0", "n", "no", "false", "off":
		return false, nil
	}
	return false, invalid(field, "must be true or false")
}

func parseProfile(field, v string) (uint32, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, invalid(field, "not a number")
	}
	return uint32(n), nil
}
