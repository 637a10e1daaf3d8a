package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"grimm.is/ruleplane/internal/ctlplane"
)

// DefaultLogLimit is how many log lines logs prints by default.
const DefaultLogLimit = 100

// RunLogs prints recent daemon log lines, oldest first.
func RunLogs(c ctlplane.ControlPlaneClient, w io.Writer, limit int, source string, format Format) error {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	reply, err := c.Logs(limit, strings.ToLower(source))
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}
	if format != FormatTable {
		return encode(w, format, reply.Entries)
	}
	if len(reply.Entries) == 0 {
		_, err := fmt.Fprintln(w, "No log lines buffered. The daemon keeps them only with console logging.")
		return err
	}
	for _, e := range reply.Entries {
		fmt.Fprintf(w, "%s [%s] %s: %s%s\n",
			e.Timestamp.Format(time.RFC3339), e.Level, e.Source, e.Message, extras(e.Extra))
	}
	return nil
}

func extras(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, m[k])
	}
	return b.String()
}
