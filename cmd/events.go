package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"grimm.is/ruleplane/internal/ctlplane"
)

// DefaultEventLimit is how many journal entries events prints by default.
const DefaultEventLimit = 50

// RunEvents prints recent journal entries, newest first.
func RunEvents(c ctlplane.ControlPlaneClient, w io.Writer, limit int, types []string, format Format) error {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	reply, err := c.Events(limit, types...)
	if err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}
	if format != FormatTable {
		return encode(w, format, decodeEvents(reply.Events))
	}
	tw := newTable(w, "time", "type", "source", "data")
	for _, e := range reply.Events {
		row(tw, e.Timestamp.Format(time.RFC3339), e.Type, e.Source, string(e.Data))
	}
	return tw.Flush()
}

// eventOut carries decoded payloads so yaml output shows fields rather than
// raw bytes.
type eventOut struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Type      string    `json:"type" yaml:"type"`
	Source    string    `json:"source" yaml:"source"`
	Data      any       `json:"data,omitempty" yaml:"data,omitempty"`
}

func decodeEvents(in []ctlplane.EventRecord) []eventOut {
	out := make([]eventOut, 0, len(in))
	for _, e := range in {
		o := eventOut{Timestamp: e.Timestamp, Type: e.Type, Source: e.Source}
		if len(e.Data) > 0 {
			var data map[string]any
			if err := json.Unmarshal(e.Data, &data); err == nil {
				o.Data = data
			} else {
				o.Data = string(e.Data)
			}
		}
		out = append(out, o)
	}
	return out
}
