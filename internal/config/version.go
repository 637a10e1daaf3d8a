package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion is the X.Y version a configuration file declares.
type SchemaVersion struct {
	Major int
	Minor int
}

// ParseVersion parses "X.Y". An empty string is the current version.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		s = CurrentSchemaVersion
	}

	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}

	m, err := strconv.Atoi(major)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", major)
	}
	n, err := strconv.Atoi(minor)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", minor)
	}
	return SchemaVersion{Major: m, Minor: n}, nil
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other
func (v SchemaVersion) Compare(other SchemaVersion) int {
	switch {
	case v.Major < other.Major:
		return -1
	case v.Major > other.Major:
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	}
	return 0
}

// SupportedVersions lists the schema versions the loader can read.
var SupportedVersions = []SchemaVersion{
	{Major: 1, Minor: 0},
}

// IsSupportedVersion reports whether a reader exists for v's major version.
func IsSupportedVersion(v SchemaVersion) bool {
	for _, supported := range SupportedVersions {
		if v.Major == supported.Major {
			return true
		}
	}
	return false
}
