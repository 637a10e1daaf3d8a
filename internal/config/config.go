package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"grimm.is/ruleplane/internal/engine"
	"grimm.is/ruleplane/internal/validation"
	"grimm.is/ruleplane/internal/zone"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Defaults applied when a block or attribute is omitted.
const (
	DefaultStatePath     = "/var/lib/ruleplane/state.db"
	DefaultControlSocket = "/run/ruleplane/ctl.sock"
	DefaultPollInterval  = 30 * time.Second
	DefaultRetention     = 30 * 24 * time.Hour
)

// Config is the top-level structure for the policy engine configuration.
type Config struct {
	// If empty, defaults to CurrentSchemaVersion
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Zones      []Zone      `hcl:"zone,block" json:"zones"`
	Interfaces []Interface `hcl:"interface,block" json:"interfaces"`

	Engine  *EngineConfig  `hcl:"engine,block" json:"engine,omitempty"`
	Monitor *MonitorConfig `hcl:"monitor,block" json:"monitor,omitempty"`
	State   *StateConfig   `hcl:"state,block" json:"state,omitempty"`
	Control *ControlConfig `hcl:"control,block" json:"control,omitempty"`
	Metrics *MetricsConfig `hcl:"metrics,block" json:"metrics,omitempty"`
	Logging *LoggingConfig `hcl:"logging,block" json:"logging,omitempty"`

	// Rules seed empty chains on first start. They are ignored once state
	// exists on disk.
	Rules []RuleSeed `hcl:"rule,block" json:"rules,omitempty"`
}

// Zone declares one zone. Builtin zones cannot be removed by a reload.
type Zone struct {
	Name        string `hcl:"name,label" json:"name"`
	ID          uint32 `hcl:"id" json:"id"`
	Builtin     bool   `hcl:"builtin,optional" json:"builtin,omitempty"`
	Description string `hcl:"description,optional" json:"description,omitempty"`
}

// Interface assigns a network interface to a zone by name. Extended interfaces
// are additions on top of the builtin interface map.
type Interface struct {
	Name     string `hcl:"name,label" json:"name"`
	Zone     string `hcl:"zone" json:"zone"`
	Extended bool   `hcl:"extended,optional" json:"extended,omitempty"`
}

// EngineConfig selects the data path driver.
type EngineConfig struct {
	Driver string `hcl:"driver,optional" json:"driver,omitempty"` // memory or nftables
	Table  string `hcl:"table,optional" json:"table,omitempty"`
	NetNS  string `hcl:"netns,optional" json:"netns,omitempty"`
}

type MonitorConfig struct {
	// Go duration; "0s" disables the poll tick.
	PollInterval   string `hcl:"poll_interval,optional" json:"poll_interval,omitempty"`
	StrictRefcount bool   `hcl:"strict_refcount,optional" json:"strict_refcount,omitempty"`
}

type StateConfig struct {
	Path             string `hcl:"path,optional" json:"path,omitempty"`
	JournalRetention string `hcl:"journal_retention,optional" json:"journal_retention,omitempty"`
}

type ControlConfig struct {
	Socket string `hcl:"socket,optional" json:"socket,omitempty"`
}

type MetricsConfig struct {
	Listen   string `hcl:"listen,optional" json:"listen,omitempty"`
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
}

type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// RuleSeed is a rule block. Values use the same textual forms an admin client
// submits; Position 0 appends to the section.
type RuleSeed struct {
	Section    string `hcl:"section,label" json:"section"`
	Position   int    `hcl:"position,optional" json:"position,omitempty"`
	Enabled    *bool  `hcl:"enabled,optional" json:"enabled,omitempty"`
	SrcZone    string `hcl:"src_zone,optional" json:"src_zone,omitempty"`
	SrcIP      string `hcl:"src_ip,optional" json:"src_ip,omitempty"`
	SrcNetmask string `hcl:"src_netmask,optional" json:"src_netmask,omitempty"`
	SrcPort    string `hcl:"src_port,optional" json:"src_port,omitempty"`
	DstZone    string `hcl:"dst_zone,optional" json:"dst_zone,omitempty"`
	DstIP      string `hcl:"dst_ip,optional" json:"dst_ip,omitempty"`
	DstNetmask string `hcl:"dst_netmask,optional" json:"dst_netmask,omitempty"`
	DstPort    string `hcl:"dst_port,optional" json:"dst_port,omitempty"`
	Protocol   string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Action     string `hcl:"action,optional" json:"action,omitempty"`
	Log        bool   `hcl:"log,optional" json:"log,omitempty"`
	IPProxy    uint32 `hcl:"ip_proxy,optional" json:"ip_proxy,omitempty"`
	Other      uint32 `hcl:"other,optional" json:"other,omitempty"`
}

// DefaultConfig returns a configuration with every block present and set to
// its default. It declares no zones.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Engine:        &EngineConfig{Driver: engine.DriverMemory, Table: engine.DefaultTable},
		Monitor:       &MonitorConfig{PollInterval: DefaultPollInterval.String()},
		State:         &StateConfig{Path: DefaultStatePath, JournalRetention: DefaultRetention.String()},
		Control:       &ControlConfig{Socket: DefaultControlSocket},
		Metrics:       &MetricsConfig{},
		Logging:       &LoggingConfig{Level: "info"},
	}
}

// ApplyDefaults fills omitted blocks and attributes from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.SchemaVersion == "" {
		c.SchemaVersion = def.SchemaVersion
	}
	if c.Engine == nil {
		c.Engine = def.Engine
	}
	if c.Engine.Driver == "" {
		c.Engine.Driver = def.Engine.Driver
	}
	if c.Engine.Table == "" {
		c.Engine.Table = def.Engine.Table
	}
	if c.Monitor == nil {
		c.Monitor = def.Monitor
	}
	if c.Monitor.PollInterval == "" {
		c.Monitor.PollInterval = def.Monitor.PollInterval
	}
	if c.State == nil {
		c.State = def.State
	}
	if c.State.Path == "" {
		c.State.Path = def.State.Path
	}
	if c.State.JournalRetention == "" {
		c.State.JournalRetention = def.State.JournalRetention
	}
	if c.Control == nil {
		c.Control = def.Control
	}
	if c.Control.Socket == "" {
		c.Control.Socket = def.Control.Socket
	}
	if c.Metrics == nil {
		c.Metrics = def.Metrics
	}
	if c.Logging == nil {
		c.Logging = def.Logging
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// ZoneSnapshot converts the zone and interface blocks into the registry's
// reload input. Interfaces may name their zone or give its numeric id.
func (c *Config) ZoneSnapshot() (zone.Snapshot, error) {
	snap := zone.Snapshot{
		Builtins:    make(map[string]zone.Entry),
		UserDefined: make(map[string]zone.Entry),
		Interfaces: zone.InterfaceMap{
			Builtins: make(map[string]uint32),
			Extended: make(map[string]uint32),
		},
	}
	byName := make(map[string]uint32, len(c.Zones))
	for _, z := range c.Zones {
		if _, dup := byName[z.Name]; dup {
			return zone.Snapshot{}, fmt.Errorf("zone %s declared twice", z.Name)
		}
		byName[z.Name] = z.ID
		e := zone.Entry{ID: z.ID, Description: z.Description}
		if z.Builtin {
			snap.Builtins[z.Name] = e
		} else {
			snap.UserDefined[z.Name] = e
		}
	}

	for _, iface := range c.Interfaces {
		id, ok := byName[iface.Zone]
		if !ok {
			n, err := strconv.ParseUint(iface.Zone, 10, 32)
			if err != nil {
				return zone.Snapshot{}, fmt.Errorf("interface %s: unknown zone %q", iface.Name, iface.Zone)
			}
			id = uint32(n)
		}
		m := snap.Interfaces.Builtins
		if iface.Extended {
			m = snap.Interfaces.Extended
		}
		if _, dup := m[iface.Name]; dup {
			return zone.Snapshot{}, fmt.Errorf("interface %s declared twice", iface.Name)
		}
		m[iface.Name] = id
	}

	if err := snap.Validate(); err != nil {
		return zone.Snapshot{}, err
	}
	return snap, nil
}

// EngineConfig returns the engine driver settings.
func (c *Config) EngineConfig() engine.Config {
	if c.Engine == nil {
		return engine.Config{Driver: engine.DriverMemory}
	}
	return engine.Config{Driver: c.Engine.Driver, Table: c.Engine.Table, NetNS: c.Engine.NetNS}
}

// PollInterval returns the monitor poll period. Zero disables polling.
func (c *Config) PollInterval() time.Duration {
	if c.Monitor == nil || c.Monitor.PollInterval == "" {
		return DefaultPollInterval
	}
	d, err := time.ParseDuration(c.Monitor.PollInterval)
	if err != nil {
		return DefaultPollInterval
	}
	return d
}

// JournalRetention returns how long journal entries are kept.
func (c *Config) JournalRetention() time.Duration {
	if c.State == nil || c.State.JournalRetention == "" {
		return DefaultRetention
	}
	d, err := time.ParseDuration(c.State.JournalRetention)
	if err != nil {
		return DefaultRetention
	}
	return d
}

// MetricsInterval returns the gauge collection period.
func (c *Config) MetricsInterval() time.Duration {
	if c.Metrics == nil || c.Metrics.Interval == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(c.Metrics.Interval)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// Seeds converts rule blocks to create requests in declaration order. A seed
// without a position is appended after the seeds before it in its section.
func (c *Config) Seeds() []validation.CandidateFields {
	counts := make(map[string]int)
	out := make([]validation.CandidateFields, 0, len(c.Rules))
	for _, r := range c.Rules {
		sec := strings.ToUpper(r.Section)
		counts[sec]++
		pos := r.Position
		if pos == 0 {
			pos = counts[sec]
		}
		out = append(out, r.fields(sec, pos))
	}
	return out
}

func (r RuleSeed) fields(section string, position int) validation.CandidateFields {
	f := validation.CandidateFields{
		validation.FieldSection:    section,
		validation.FieldPosition:   strconv.Itoa(position),
		validation.FieldSrcZone:    r.SrcZone,
		validation.FieldSrcIP:      r.SrcIP,
		validation.FieldSrcNetmask: r.SrcNetmask,
		validation.FieldSrcPort:    r.SrcPort,
		validation.FieldDstZone:    r.DstZone,
		validation.FieldDstIP:      r.DstIP,
		validation.FieldDstNetmask: r.DstNetmask,
		validation.FieldDstPort:    r.DstPort,
		validation.FieldProtocol:   r.Protocol,
		validation.FieldAction:     r.Action,
		validation.FieldLog:        strconv.FormatBool(r.Log),
		validation.FieldIPProxy:    strconv.FormatUint(uint64(r.IPProxy), 10),
		validation.FieldOther:      strconv.FormatUint(uint64(r.Other), 10),
	}
	if f[validation.FieldProtocol] == "" {
		f[validation.FieldProtocol] = "any"
	}
	if f[validation.FieldDstIP] == "" {
		f[validation.FieldDstIP] = "0.0.0.0"
	}
	if f[validation.FieldDstNetmask] == "" {
		f[validation.FieldDstNetmask] = "0"
	}
	if f[validation.FieldSrcNetmask] == "" {
		f[validation.FieldSrcNetmask] = "0"
	}
	if r.Enabled != nil {
		f[validation.FieldEnabled] = strconv.FormatBool(*r.Enabled)
	}
	return f
}
