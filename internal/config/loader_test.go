package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ruleplane/internal/validation"
)

const sampleHCL = `
schema_version = "1.0"

zone "LAN" {
  id      = 1
  builtin = true
}

zone "WAN" {
  id          = 2
  builtin     = true
  description = "uplink"
}

zone "GUEST" {
  id = 3
}

interface "eth0" {
  zone = "LAN"
}

interface "eth1" {
  zone = "WAN"
}

interface "eth0.10" {
  zone     = "GUEST"
  extended = true
}

engine {
  driver = "nftables"
  table  = "edge"
}

monitor {
  poll_interval = "5s"
}

rule "MAIN" {
  src_zone = "LAN"
  dst_zone = "WAN"
  dst_ip   = "0.0.0.0"
  protocol = "tcp"
  dst_port = "443"
  action   = "accept"
}

rule "MAIN" {
  src_zone = "GUEST"
  action   = "drop"
  log      = true
}
`

func TestLoadHCL(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	if err != nil {
		t.Fatalf("LoadHCL() error = %v", err)
	}

	if cfg.SchemaVersion != "1.0" {
		t.Errorf("SchemaVersion = %q, want %q", cfg.SchemaVersion, "1.0")
	}
	if len(cfg.Zones) != 3 {
		t.Errorf("len(Zones) = %d, want 3", len(cfg.Zones))
	}
	if len(cfg.Interfaces) != 3 {
		t.Errorf("len(Interfaces) = %d, want 3", len(cfg.Interfaces))
	}
	if len(cfg.Rules) != 2 {
		t.Errorf("len(Rules) = %d, want 2", len(cfg.Rules))
	}
	if cfg.Engine.Driver != "nftables" || cfg.Engine.Table != "edge" {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if got := cfg.PollInterval(); got != 5*time.Second {
		t.Errorf("PollInterval() = %v, want 5s", got)
	}

	// omitted blocks are defaulted
	if cfg.Control == nil || cfg.Control.Socket != DefaultControlSocket {
		t.Errorf("Control = %+v, want default socket", cfg.Control)
	}
	if cfg.State == nil || cfg.State.Path != DefaultStatePath {
		t.Errorf("State = %+v, want default path", cfg.State)
	}
}

func TestLoadHCL_Errors(t *testing.T) {
	tests := []struct {
		name string
		hcl  string
		want string
	}{
		{"syntax", `zone "LAN" {`, "HCL parse error"},
		{"unknown attribute", `bogus = true`, "HCL decode error"},
		{"unsupported version", `schema_version = "2.0"`, "unsupported config schema version"},
		{"bad version", `schema_version = "one"`, "invalid schema version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.hcl), "test.hcl")
			if err == nil {
				t.Fatal("LoadHCL() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadHCLWithOptions_Strict(t *testing.T) {
	_, err := LoadHCLWithOptions([]byte(`schema_version = "1.1"`), "test.hcl", LoadOptions{StrictVersion: true})
	require.Error(t, err)

	result, err := LoadHCLWithOptions([]byte(`schema_version = "1.1"`), "test.hcl", DefaultLoadOptions())
	require.NoError(t, err)
	assert.Len(t, result.Warnings, 1)
	assert.Equal(t, SchemaVersion{Major: 1, Minor: 1}, result.Version)
}

func TestLoadHCLWithOptions_SkipDefaults(t *testing.T) {
	result, err := LoadHCLWithOptions([]byte(`zone "LAN" { id = 1 }`), "test.hcl", LoadOptions{SkipDefaults: true})
	require.NoError(t, err)
	assert.Nil(t, result.Config.Engine)
	assert.Equal(t, CurrentSchemaVersion, result.Config.SchemaVersion)
}

func TestLoadJSON(t *testing.T) {
	data := `{
  "zones": [{"name": "LAN", "id": 1, "builtin": true}],
  "interfaces": [{"name": "eth0", "zone": "LAN"}],
  "logging": {"level": "debug"}
}`
	cfg, err := LoadJSON([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval())
	require.Len(t, cfg.Zones, 1)
	assert.True(t, cfg.Zones[0].Builtin)

	_, err = LoadJSON([]byte(`{`))
	assert.Error(t, err)
}

func TestLoadFile_Dispatch(t *testing.T) {
	dir := t.TempDir()

	hclPath := filepath.Join(dir, "ruleplane.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(sampleHCL), 0644))
	cfg, err := LoadFile(hclPath)
	require.NoError(t, err)
	assert.Len(t, cfg.Zones, 3)

	jsonPath := filepath.Join(dir, "ruleplane.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"zones":[{"name":"LAN","id":1}]}`), 0644))
	cfg, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Len(t, cfg.Zones, 1)

	// unknown extension: HCL first, then JSON
	confPath := filepath.Join(dir, "ruleplane.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(`{"zones":[{"name":"WAN","id":2}]}`), 0644))
	cfg, err = LoadFile(confPath)
	require.NoError(t, err)
	require.Len(t, cfg.Zones, 1)
	assert.Equal(t, "WAN", cfg.Zones[0].Name)

	_, err = LoadFile(filepath.Join(dir, "missing.hcl"))
	assert.Error(t, err)
}

func TestGenerateHCL_RoundTrip(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	require.NoError(t, err)

	out := GenerateHCL(cfg)
	assert.Contains(t, string(out), `zone "GUEST"`)
	assert.Contains(t, string(out), `extended = true`)

	again, err := LoadHCL(out, "generated.hcl")
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestSaveFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Zones = []Zone{{Name: "LAN", ID: 1, Builtin: true}}

	for _, name := range []string{"out.hcl", "out.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "nested", name)
			require.NoError(t, SaveFile(cfg, path))
			loaded, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Zones, loaded.Zones)
			assert.Equal(t, cfg.Engine, loaded.Engine)
		})
	}
}

func TestConfig_ZoneSnapshot(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	require.NoError(t, err)

	snap, err := cfg.ZoneSnapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Builtins, 2)
	assert.Equal(t, uint32(3), snap.UserDefined["GUEST"].ID)
	assert.Equal(t, "uplink", snap.Builtins["WAN"].Description)
	assert.Equal(t, uint32(1), snap.Interfaces.Builtins["eth0"])
	assert.Equal(t, uint32(3), snap.Interfaces.Extended["eth0.10"])

	t.Run("numeric zone reference", func(t *testing.T) {
		c := &Config{
			Zones:      []Zone{{Name: "LAN", ID: 7}},
			Interfaces: []Interface{{Name: "eth0", Zone: "7"}},
		}
		snap, err := c.ZoneSnapshot()
		require.NoError(t, err)
		assert.Equal(t, uint32(7), snap.Interfaces.Builtins["eth0"])
	})

	t.Run("unknown zone", func(t *testing.T) {
		c := &Config{Interfaces: []Interface{{Name: "eth0", Zone: "DMZ"}}}
		_, err := c.ZoneSnapshot()
		assert.Error(t, err)
	})

	t.Run("duplicate id", func(t *testing.T) {
		c := &Config{Zones: []Zone{{Name: "A", ID: 1}, {Name: "B", ID: 1}}}
		_, err := c.ZoneSnapshot()
		assert.Error(t, err)
	})
}

func TestConfig_Seeds(t *testing.T) {
	off := false
	cfg := &Config{Rules: []RuleSeed{
		{Section: "main", DstIP: "10.0.0.0", DstNetmask: "8"},
		{Section: "BEFORE", Protocol: "udp", DstPort: "53", Enabled: &off},
		{Section: "MAIN", Position: 1, Log: true},
	}}

	seeds := cfg.Seeds()
	require.Len(t, seeds, 3)

	assert.Equal(t, "MAIN", seeds[0][validation.FieldSection])
	assert.Equal(t, "1", seeds[0][validation.FieldPosition])
	assert.Equal(t, "any", seeds[0][validation.FieldProtocol])
	assert.Equal(t, "8", seeds[0][validation.FieldDstNetmask])

	assert.Equal(t, "1", seeds[1][validation.FieldPosition])
	assert.Equal(t, "false", seeds[1][validation.FieldEnabled])

	assert.Equal(t, "1", seeds[2][validation.FieldPosition])
	assert.Equal(t, "0.0.0.0", seeds[2][validation.FieldDstIP])
	assert.Equal(t, "true", seeds[2][validation.FieldLog])
	_, hasEnabled := seeds[2][validation.FieldEnabled]
	assert.False(t, hasEnabled)
}
