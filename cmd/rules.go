package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"grimm.is/ruleplane/internal/ctlplane"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/validation"
)

// RuleFieldNames are the keys accepted by add.
var RuleFieldNames = []string{
	validation.FieldSection, validation.FieldPosition, validation.FieldEnabled,
	validation.FieldSrcZone, validation.FieldSrcIP, validation.FieldSrcNetmask, validation.FieldSrcPort,
	validation.FieldDstZone, validation.FieldDstIP, validation.FieldDstNetmask, validation.FieldDstPort,
	validation.FieldProtocol, validation.FieldAction, validation.FieldLog, validation.FieldIPProxy, validation.FieldOther,
}

// ParseRuleArgs turns key=value arguments into raw rule fields. Keys are
// checked here so a typo fails before reaching the daemon; values are
// validated by the daemon.
func ParseRuleArgs(args []string) (map[string]string, error) {
	known := make(map[string]bool, len(RuleFieldNames))
	for _, k := range RuleFieldNames {
		known[k] = true
	}
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if !known[k] {
			return nil, fmt.Errorf("unknown rule field %q", k)
		}
		if _, dup := fields[k]; dup {
			return nil, fmt.Errorf("rule field %q given twice", k)
		}
		fields[k] = v
	}
	return fields, nil
}

// RunAdd submits a new rule to a pending chain.
func RunAdd(c ctlplane.ControlPlaneClient, w io.Writer, fields map[string]string) error {
	reply, err := c.CreateRule(fields)
	if err != nil {
		return fmt.Errorf("rule rejected: %w", err)
	}
	Printer.Fprintf(w, "Created %s rule %d (pending)\n", reply.Section, reply.Position)
	tw := newTable(w, rule.DisplayHeader...)
	row(tw, reply.Display.Columns()...)
	return tw.Flush()
}

// RunDelete removes a rule from a pending chain.
func RunDelete(c ctlplane.ControlPlaneClient, w io.Writer, section string, position int) error {
	reply, err := c.DeleteRule(section, position)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	Printer.Fprintf(w, "Deleted %s rule %d (pending)\n", reply.Section, reply.Position)
	return nil
}

// RunRetry re-propagates a section and reports the outcome.
func RunRetry(c ctlplane.ControlPlaneClient, w io.Writer, section string) error {
	reply, err := c.Retry(section)
	if err != nil {
		return fmt.Errorf("retry failed: %w", err)
	}
	res := reply.Result
	switch {
	case res.Skipped:
		Printer.Fprintf(w, "%s is clean, nothing to apply\n", res.Section)
	case res.Committed:
		Printer.Fprintf(w, "%s applied: %d rules, version %d, attempt %s (%s)\n",
			res.Section, res.Rules, res.Version, res.Attempt, res.Duration)
	default:
		Printer.Fprintf(w, "%s applied but not committed: pending changed during apply\n", res.Section)
	}
	return nil
}

// RunRollback discards a section's pending edits.
func RunRollback(c ctlplane.ControlPlaneClient, w io.Writer, section string) error {
	if err := c.Rollback(section); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	Printer.Fprintf(w, "%s pending chain reset to active\n", strings.ToUpper(section))
	return nil
}

// RunDiff prints the unified diff from active to pending.
func RunDiff(c ctlplane.ControlPlaneClient, w io.Writer, section string) error {
	d, err := c.Diff(section)
	if err != nil {
		return err
	}
	if d == "" {
		Printer.Fprintln(w, "No pending changes.")
		return nil
	}
	_, err = io.WriteString(w, d)
	return err
}

// ParsePosition parses a 1-based rule position argument.
func ParsePosition(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	return n, nil
}
