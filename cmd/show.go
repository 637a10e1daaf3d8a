package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"grimm.is/ruleplane/internal/config"
	"grimm.is/ruleplane/internal/ctlplane"
	"grimm.is/ruleplane/internal/rule"
)

// ShowOptions selects what RunShow prints.
type ShowOptions struct {
	Section string // empty for every section
	Version string // pending or active
	Format  Format
	Wire    bool // print the 15-integer wire form instead of display rows
}

// sectionRows is one section's output in json and yaml form.
type sectionRows struct {
	Section string            `json:"section" yaml:"section"`
	Version string            `json:"version" yaml:"version"`
	Rows    []rule.Display    `json:"rows,omitempty" yaml:"rows,omitempty"`
	Wire    map[int]rule.Wire `json:"wire,omitempty" yaml:"wire,omitempty"`
}

// RunShow prints one or all chains from the running daemon.
func RunShow(c ctlplane.ControlPlaneClient, w io.Writer, opts ShowOptions) error {
	if opts.Version == "" {
		opts.Version = rule.VersionPending.String()
	}
	sections := []string{opts.Section}
	if opts.Section == "" {
		sections = sections[:0]
		for _, s := range rule.Sections {
			sections = append(sections, s.String())
		}
	}

	out := make([]sectionRows, 0, len(sections))
	for _, sec := range sections {
		sr := sectionRows{Section: sec, Version: opts.Version}
		if opts.Wire {
			reply, err := c.ViewRuleset(sec, opts.Version)
			if err != nil {
				return fmt.Errorf("view %s: %w", sec, err)
			}
			sr.Wire = reply.Rules
		} else {
			reply, err := c.Render(sec, opts.Version)
			if err != nil {
				return fmt.Errorf("render %s: %w", sec, err)
			}
			sr.Rows = reply.Rows
		}
		out = append(out, sr)
	}

	if opts.Format != FormatTable {
		return encode(w, opts.Format, out)
	}
	for i, sr := range out {
		if i > 0 {
			Printer.Fprintln(w)
		}
		Printer.Fprintf(w, "[%s %s]\n", sr.Section, sr.Version)
		if err := printSection(w, sr); err != nil {
			return err
		}
	}
	return nil
}

func printSection(w io.Writer, sr sectionRows) error {
	if !isWire(sr) {
		if len(sr.Rows) == 0 {
			Printer.Fprintln(w, "(empty)")
			return nil
		}
		tw := newTable(w, rule.DisplayHeader...)
		for _, d := range sr.Rows {
			row(tw, d.Columns()...)
		}
		return tw.Flush()
	}

	positions := make([]int, 0, len(sr.Wire))
	for p := range sr.Wire {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	for _, p := range positions {
		wire := sr.Wire[p]
		cols := make([]string, 0, len(wire)+1)
		cols = append(cols, strconv.Itoa(p))
		for _, v := range wire {
			cols = append(cols, strconv.FormatUint(uint64(v), 10))
		}
		if _, err := fmt.Fprintln(w, strings.Join(cols, " ")); err != nil {
			return err
		}
	}
	return nil
}

func isWire(sr sectionRows) bool {
	return sr.Wire != nil
}

// RunShowConfig prints the effective configuration, defaults included, as HCL.
func RunShowConfig(w io.Writer, configFile string) error {
	result, err := config.LoadFileWithOptions(configFile, config.DefaultLoadOptions())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	_, err = w.Write(config.GenerateHCL(result.Config))
	return err
}
