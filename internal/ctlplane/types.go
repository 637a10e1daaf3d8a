// RPC request and reply types. Every method follows the pattern
// {MethodName}Args / {MethodName}Reply; Empty is used for methods with no
// arguments.
package ctlplane

import (
	"encoding/json"
	"time"

	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/monitor"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/zone"
)

// Empty is used for RPC methods with no arguments or reply.
type Empty struct{}

// Status is the daemon's own status.
type Status struct {
	Running    bool          `json:"running"`
	Version    string        `json:"version"`
	ConfigFile string        `json:"config_file"`
	Uptime     time.Duration `json:"uptime"`
	StartedAt  time.Time     `json:"started_at"`
}

type GetStatusReply struct {
	Status   Status                  `json:"status"`
	Sections []monitor.SectionStatus `json:"sections"`
}

// CreateRuleArgs carries raw field values exactly as an admin entered them.
type CreateRuleArgs struct {
	Fields map[string]string `json:"fields"`
}

type CreateRuleReply struct {
	Section  string       `json:"section"`
	Position int          `json:"position"`
	Wire     rule.Wire    `json:"wire"`
	Display  rule.Display `json:"display"`
}

type DeleteRuleArgs struct {
	Section  string `json:"section"`
	Position int    `json:"position"`
}

type DeleteRuleReply struct {
	Section  string    `json:"section"`
	Position int       `json:"position"`
	Wire     rule.Wire `json:"wire"`
}

// RulesetArgs selects one chain. Version is "pending" or "active".
type RulesetArgs struct {
	Section string `json:"section"`
	Version string `json:"version"`
}

type ViewRulesetReply struct {
	Rules map[int]rule.Wire `json:"rules"`
}

type RenderReply struct {
	Rows []rule.Display `json:"rows"`
}

type SectionArgs struct {
	Section string `json:"section"`
}

type RetryReply struct {
	Result monitor.Result `json:"result"`
}

type DiffReply struct {
	Diff string `json:"diff"`
}

type ZonesReply struct {
	Zones []zone.Zone `json:"zones"`
}

// ReloadArgs re-reads zones and interfaces. An empty Path means the file the
// daemon was started with.
type ReloadArgs struct {
	Path string `json:"path,omitempty"`
}

type ReloadReply struct {
	Zones      int      `json:"zones"`
	Interfaces int      `json:"interfaces"`
	Warnings   []string `json:"warnings,omitempty"`
}

type EventsArgs struct {
	Limit int      `json:"limit"`
	Types []string `json:"types,omitempty"`
}

// EventRecord is one journal entry.
type EventRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

type EventsReply struct {
	Events []EventRecord `json:"events"`
}

// LogsArgs selects recent daemon log lines. An empty Source returns every
// component.
type LogsArgs struct {
	Limit  int    `json:"limit"`
	Source string `json:"source,omitempty"`
}

type LogsReply struct {
	Entries []logging.Entry `json:"entries"`
}
