package validation

import (
	"testing"
)

func TestValidateInterfaceName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "eth0", false},
		{"with dash", "eth-0", false},
		{"with dot (vlan)", "eth0.100", false},
		{"max length", "eth0123456789ab", false},

		{"empty", "", true},
		{"too long", "eth01234567890123", true},
		{"space", "eth 0", true},
		{"semicolon injection", "eth0;rm", true},
		{"newline", "eth0\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInterfaceName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInterfaceName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "LAN", false},
		{"underscore", "zone_guest", false},
		{"dash", "dmz-2", false},

		{"empty", "", true},
		{"space", "my zone", true},
		{"dot", "my.zone", true},
		{"dollar", "zone$", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestParsePrefixLen(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"24", 24, false},
		{"/16", 16, false},
		{"0", 0, false},
		{"32", 32, false},
		{"255.255.255.0", 24, false},
		{"255.255.255.255", 32, false},
		{"0.0.0.0", 0, false},

		{"", 0, true},
		{"33", 0, true},
		{"-1", 0, true},
		{"255.0.255.0", 0, true},
		{"banana", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePrefixLen(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrefixLen(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePrefixLen(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseIPv4(t *testing.T) {
	if _, err := ParseIPv4("192.168.1.1"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	for _, bad := range []string{"", "2001:db8::1", "300.1.1.1", "10.0.0.0/8"} {
		if _, err := ParseIPv4(bad); err == nil {
			t.Errorf("ParseIPv4(%q) should fail", bad)
		}
	}
}

func TestValidateAllowlist(t *testing.T) {
	allowed := []string{"memory", "nftables"}
	if err := ValidateAllowlist("nftables", allowed); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateAllowlist("iptables", allowed); err == nil {
		t.Error("expected error for value outside allowlist")
	}
}

func TestValidatePortNumber(t *testing.T) {
	tests := []struct {
		port    int
		wantErr bool
	}{
		{0, false},
		{443, false},
		{65535, false},
		{-1, true},
		{65536, true},
		{70000, true},
	}
	for _, tt := range tests {
		if err := ValidatePortNumber(tt.port); (err != nil) != tt.wantErr {
			t.Errorf("ValidatePortNumber(%d) error = %v, wantErr %v", tt.port, err, tt.wantErr)
		}
	}
}

func TestValidateProtocol(t *testing.T) {
	for _, p := range []string{"any", "icmp", "TCP", "udp"} {
		if err := ValidateProtocol(p); err != nil {
			t.Errorf("ValidateProtocol(%q) error: %v", p, err)
		}
	}
	for _, p := range []string{"", "gre", "esp", "6"} {
		if err := ValidateProtocol(p); err == nil {
			t.Errorf("ValidateProtocol(%q) should fail", p)
		}
	}
}
