package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// GenerateHCL renders cfg as formatted HCL. Optional attributes holding their
// zero value are omitted so the output round-trips through LoadHCL.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	version := cfg.SchemaVersion
	if version == "" {
		version = CurrentSchemaVersion
	}
	body.SetAttributeValue("schema_version", cty.StringVal(version))

	for _, z := range cfg.Zones {
		body.AppendNewline()
		b := body.AppendNewBlock("zone", []string{z.Name}).Body()
		b.SetAttributeValue("id", cty.NumberUIntVal(uint64(z.ID)))
		setBool(b, "builtin", z.Builtin)
		setString(b, "description", z.Description)
	}

	for _, iface := range cfg.Interfaces {
		body.AppendNewline()
		b := body.AppendNewBlock("interface", []string{iface.Name}).Body()
		b.SetAttributeValue("zone", cty.StringVal(iface.Zone))
		setBool(b, "extended", iface.Extended)
	}

	if e := cfg.Engine; e != nil {
		b := appendBlock(body, "engine")
		setString(b, "driver", e.Driver)
		setString(b, "table", e.Table)
		setString(b, "netns", e.NetNS)
	}
	if m := cfg.Monitor; m != nil {
		b := appendBlock(body, "monitor")
		setString(b, "poll_interval", m.PollInterval)
		setBool(b, "strict_refcount", m.StrictRefcount)
	}
	if s := cfg.State; s != nil {
		b := appendBlock(body, "state")
		setString(b, "path", s.Path)
		setString(b, "journal_retention", s.JournalRetention)
	}
	if c := cfg.Control; c != nil {
		b := appendBlock(body, "control")
		setString(b, "socket", c.Socket)
	}
	if m := cfg.Metrics; m != nil {
		b := appendBlock(body, "metrics")
		setString(b, "listen", m.Listen)
		setString(b, "interval", m.Interval)
	}
	if l := cfg.Logging; l != nil {
		b := appendBlock(body, "logging")
		setString(b, "level", l.Level)
		setBool(b, "json", l.JSON)
	}

	for _, r := range cfg.Rules {
		body.AppendNewline()
		b := body.AppendNewBlock("rule", []string{r.Section}).Body()
		if r.Position != 0 {
			b.SetAttributeValue("position", cty.NumberIntVal(int64(r.Position)))
		}
		if r.Enabled != nil {
			b.SetAttributeValue("enabled", cty.BoolVal(*r.Enabled))
		}
		setString(b, "src_zone", r.SrcZone)
		setString(b, "src_ip", r.SrcIP)
		setString(b, "src_netmask", r.SrcNetmask)
		setString(b, "src_port", r.SrcPort)
		setString(b, "dst_zone", r.DstZone)
		setString(b, "dst_ip", r.DstIP)
		setString(b, "dst_netmask", r.DstNetmask)
		setString(b, "dst_port", r.DstPort)
		setString(b, "protocol", r.Protocol)
		setString(b, "action", r.Action)
		setBool(b, "log", r.Log)
		if r.IPProxy != 0 {
			b.SetAttributeValue("ip_proxy", cty.NumberUIntVal(uint64(r.IPProxy)))
		}
		if r.Other != 0 {
			b.SetAttributeValue("other", cty.NumberUIntVal(uint64(r.Other)))
		}
	}

	return f.Bytes()
}

func appendBlock(body *hclwrite.Body, name string) *hclwrite.Body {
	body.AppendNewline()
	return body.AppendNewBlock(name, nil).Body()
}

func setString(b *hclwrite.Body, name, v string) {
	if v != "" {
		b.SetAttributeValue(name, cty.StringVal(v))
	}
}

func setBool(b *hclwrite.Body, name string, v bool) {
	if v {
		b.SetAttributeValue(name, cty.BoolVal(true))
	}
}
