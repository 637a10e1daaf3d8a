package config

import (
	"strings"
	"testing"
)

func TestValidate_Sample(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	if err != nil {
		t.Fatalf("LoadHCL() error = %v", err)
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Zones = []Zone{{Name: "LAN", ID: 1, Builtin: true}, {Name: "WAN", ID: 2, Builtin: true}}
		cfg.Interfaces = []Interface{{Name: "eth0", Zone: "LAN"}}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"reserved zone id", func(c *Config) { c.Zones[0].ID = 0 }, "zones[LAN].id"},
		{"duplicate zone id", func(c *Config) { c.Zones[1].ID = 1 }, "zones[WAN].id"},
		{"duplicate zone name", func(c *Config) { c.Zones[1].Name = "LAN" }, "zones[LAN]"},
		{"reserved zone name", func(c *Config) { c.Zones[1].Name = "any" }, "zones[any].name"},
		{"bad zone name", func(c *Config) { c.Zones[1].Name = "w;an" }, "zones[w;an].name"},
		{"bad interface name", func(c *Config) { c.Interfaces[0].Name = "this-name-is-too-long" }, "interfaces[this-name-is-too-long]"},
		{"undeclared zone", func(c *Config) { c.Interfaces[0].Zone = "DMZ" }, "interfaces[eth0].zone"},
		{"unknown driver", func(c *Config) { c.Engine.Driver = "iptables" }, "engine.driver"},
		{"driver names are exact", func(c *Config) { c.Engine.Driver = "NFTables" }, "engine.driver"},
		{"bad poll interval", func(c *Config) { c.Monitor.PollInterval = "soon" }, "monitor.poll_interval"},
		{"negative retention", func(c *Config) { c.State.JournalRetention = "-1h" }, "state.journal_retention"},
		{"bad listen", func(c *Config) { c.Metrics.Listen = "9100" }, "metrics.listen"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"seed unknown zone", func(c *Config) {
			c.Rules = []RuleSeed{{Section: "MAIN", SrcZone: "DMZ"}}
		}, "rules[0].src_zone"},
		{"seed bad section", func(c *Config) {
			c.Rules = []RuleSeed{{Section: "MIDDLE"}}
		}, "rules[0].section"},
		{"seed bad port", func(c *Config) {
			c.Rules = []RuleSeed{{Section: "MAIN", Protocol: "tcp", DstPort: "70000"}}
		}, "rules[0].dst_port"},
	}

	if errs := base().Validate(); errs.HasErrors() {
		t.Fatalf("base config invalid: %v", errs)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if !errs.HasErrors() {
				t.Fatal("Validate() returned no errors")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() = %v, want an error on %s", errs, tt.field)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "first"},
		{Field: "b", Message: "second"},
	}
	if got := errs.Error(); !strings.Contains(got, "a: first; b: second") {
		t.Errorf("Error() = %q", got)
	}
	if (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should render as empty string")
	}
}
