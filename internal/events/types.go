// Package events provides the pub/sub bus for policy changes.
// Rule edits, commits, apply failures, zone reloads and consistency faults
// all flow through the hub.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Rule edits on a pending chain
	EventRuleCreated EventType = "rule.created"
	EventRuleDeleted EventType = "rule.deleted"

	// Propagation outcomes
	EventSectionCommitted   EventType = "section.committed"
	EventSectionApplyFailed EventType = "section.apply_failed"
	EventSectionRolledBack  EventType = "section.rolled_back"

	// Configuration and environment
	EventZoneReloaded     EventType = "zone.reloaded"
	EventInterfaceChanged EventType = "interface.changed"

	// Wire data that could not be rendered
	EventConsistencyFault EventType = "consistency.fault"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "policy", "monitor", "config", "ifwatch"
	Data      any       `json:"data"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Type-Specific Payloads
// ──────────────────────────────────────────────────────────────────────────────

// RuleData is the payload for EventRuleCreated/EventRuleDeleted.
type RuleData struct {
	Section  string `json:"section"`
	Position int    `json:"position"`
	Summary  string `json:"summary,omitempty"`
}

// SectionData is the payload for the section.* events.
type SectionData struct {
	Section string `json:"section"`
	Version uint64 `json:"version"`
	Rules   int    `json:"rules"`
	Attempt string `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ZoneReloadData is the payload for EventZoneReloaded.
type ZoneReloadData struct {
	Zones      int `json:"zones"`
	Interfaces int `json:"interfaces"`
}

// InterfaceData is the payload for EventInterfaceChanged.
type InterfaceData struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
	Up    bool   `json:"up"`
}

// FaultData is the payload for EventConsistencyFault.
type FaultData struct {
	Section  string   `json:"section"`
	Position int      `json:"position"`
	Fields   []string `json:"fields"`
}
