package cmd

import (
	"fmt"
	"io"

	"grimm.is/ruleplane/internal/ctlplane"
)

// RunZones prints the zone table with reference counts.
func RunZones(c ctlplane.ControlPlaneClient, w io.Writer, format Format) error {
	reply, err := c.Zones()
	if err != nil {
		return fmt.Errorf("failed to list zones: %w", err)
	}
	if format != FormatTable {
		return encode(w, format, reply.Zones)
	}
	tw := newTable(w, "id", "name", "kind", "refs", "description")
	for _, z := range reply.Zones {
		row(tw, fmt.Sprint(z.ID), z.Name, z.Kind.String(), fmt.Sprint(z.RefCount), dash(z.Description))
	}
	return tw.Flush()
}

// RunReload asks the daemon to re-read zones and interfaces from path, or
// from its own configuration file when path is empty.
func RunReload(c ctlplane.ControlPlaneClient, w io.Writer, path string) error {
	reply, err := c.Reload(path)
	if err != nil {
		return fmt.Errorf("reload refused: %w", err)
	}
	for _, warn := range reply.Warnings {
		Printer.Fprintf(w, "Warning: %s\n", warn)
	}
	Printer.Fprintf(w, "Reloaded %d zones and %d interfaces\n", reply.Zones, reply.Interfaces)
	return nil
}
