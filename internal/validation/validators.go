// Package validation holds the field validators shared by configuration
// checks and the rule mutation pipeline.
package validation

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Valid interface name: alphanumeric, dash, underscore, dot (for VLANs), max 15 chars
	interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}$`)

	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Dangerous characters that should never appear in identifiers
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// ValidateInterfaceName validates a network interface name
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}
	if len(name) > 15 {
		return fmt.Errorf("interface name too long (max 15 characters): %s", name)
	}
	if !interfaceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (must be alphanumeric with -_.)", name)
	}
	return nil
}

// ValidateIdentifier validates a zone name or other identifier
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > 64 {
		return fmt.Errorf("identifier too long (max 64 characters)")
	}
	for _, char := range dangerousChars {
		if strings.Contains(id, char) {
			return fmt.Errorf("identifier contains dangerous character: %s", char)
		}
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}
	return nil
}

// ParseIPv4 parses a dotted-quad IPv4 address.
func ParseIPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid IP address: %s", s)
	}
	if !a.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid IP address: %s is not IPv4", s)
	}
	return a, nil
}

// ParsePrefixLen accepts a prefix length ("24") or a dotted netmask
// ("255.255.255.0") and returns the prefix length.
func ParsePrefixLen(s string) (int, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "/"))
	if s == "" {
		return 0, fmt.Errorf("netmask cannot be empty")
	}
	if !strings.Contains(s, ".") {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 32 {
			return 0, fmt.Errorf("invalid prefix length: %s (must be 0-32)", s)
		}
		return n, nil
	}
	mask, err := ParseIPv4(s)
	if err != nil {
		return 0, fmt.Errorf("invalid netmask: %s", s)
	}
	b := mask.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	n := 0
	for v&0x80000000 != 0 {
		n++
		v <<= 1
	}
	if v != 0 {
		return 0, fmt.Errorf("invalid netmask: %s (not contiguous)", s)
	}
	return n, nil
}

// ValidateAllowlist checks if a value is in an allowed list
func ValidateAllowlist(value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("value not in allowlist: %s", value)
}

// ValidatePortNumber validates a port number. Port 0 is the wildcard.
func ValidatePortNumber(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 0-65535)", port)
	}
	return nil
}

// ValidateProtocol validates a protocol name the engine can match
func ValidateProtocol(proto string) error {
	validProtocols := []string{"any", "icmp", "tcp", "udp"}
	proto = strings.ToLower(proto)
	for _, valid := range validProtocols {
		if proto == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid protocol: %s (must be one of: %s)", proto, strings.Join(validProtocols, ", "))
}
