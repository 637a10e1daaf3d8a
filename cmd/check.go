package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"grimm.is/ruleplane/internal/brand"
	"grimm.is/ruleplane/internal/config"
)

// RunCheck validates the configuration file syntax and semantics, including
// every seed rule against the declared zones.
func RunCheck(w io.Writer, configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>", brand.BinaryName)
	}

	result, err := config.LoadFileWithOptions(configFile, config.DefaultLoadOptions())
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	cfg := result.Config
	for _, warn := range result.Warnings {
		Printer.Fprintf(w, "Warning: %s\n", warn)
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		for _, e := range errs {
			Printer.Fprintf(w, "  %s: %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration invalid: %d errors", len(errs))
	}

	Printer.Fprintf(w, "Configuration valid!\n")
	Printer.Fprintf(w, "Schema Version: %s\n", cfg.SchemaVersion)
	Printer.Fprintf(w, "Zones: %d\n", len(cfg.Zones))
	Printer.Fprintf(w, "Interfaces: %d\n", len(cfg.Interfaces))
	Printer.Fprintf(w, "Seed rules: %d\n", len(cfg.Rules))

	if verbose {
		Printer.Fprintln(w)
		return printSummary(w, cfg)
	}
	return nil
}

func printSummary(w io.Writer, cfg *config.Config) error {
	members := make(map[string][]string)
	for _, iface := range cfg.Interfaces {
		members[iface.Zone] = append(members[iface.Zone], iface.Name)
	}

	tw := newTable(w, "zone", "id", "builtin", "interfaces")
	for _, z := range cfg.Zones {
		builtin := "no"
		if z.Builtin {
			builtin = "yes"
		}
		ifaces := members[z.Name]
		sort.Strings(ifaces)
		row(tw, z.Name, fmt.Sprint(z.ID), builtin, dash(strings.Join(ifaces, ", ")))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(cfg.Rules) == 0 {
		return nil
	}

	Printer.Fprintln(w)
	tw = newTable(w, "section", "#", "src_zone", "dst_zone", "protocol", "dst_port", "action")
	for _, f := range cfg.Seeds() {
		row(tw, f["section"], f["position"], dash(f["src_zone"]), dash(f["dst_zone"]),
			f["protocol"], dash(f["dst_port"]), f["action"])
	}
	return tw.Flush()
}
