package cmd

import (
	"fmt"
	"io"
	"time"

	"grimm.is/ruleplane/internal/ctlplane"
)

// RunStatus queries the daemon and prints per-section propagation state.
func RunStatus(c ctlplane.ControlPlaneClient, w io.Writer, format Format) error {
	reply, err := c.GetStatus()
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if format != FormatTable {
		return encode(w, format, reply)
	}

	st := reply.Status
	Printer.Fprintf(w, "Version: %s\n", st.Version)
	Printer.Fprintf(w, "Uptime:  %s\n", st.Uptime.Truncate(time.Second))
	Printer.Fprintf(w, "Config:  %s\n", st.ConfigFile)
	Printer.Fprintln(w)

	tw := newTable(w, "section", "state", "failed", "attempt", "version", "last_applied", "error")
	for _, s := range reply.Sections {
		failed := "no"
		if s.Failed {
			failed = "yes"
		}
		applied := "-"
		if !s.LastApplied.IsZero() {
			applied = s.LastApplied.Format(time.RFC3339)
		}
		row(tw, s.Section.String(), s.State.String(), failed, dash(s.LastAttempt),
			fmt.Sprint(s.LastVersion), applied, dash(s.LastError))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
