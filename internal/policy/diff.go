package policy

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/ruleplane/internal/rule"
)

// Diff returns a unified diff from the active to the pending chain of section,
// one rendered row per line. An empty string means the section is synced.
// Consistency faults found while rendering are returned with the diff.
func (s *Service) Diff(section rule.Section) (string, error) {
	active, aerr := s.Render(section, rule.VersionActive)
	pending, perr := s.Render(section, rule.VersionPending)

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(formatRows(active)),
		B:        difflib.SplitLines(formatRows(pending)),
		FromFile: section.String() + " (active)",
		ToFile:   section.String() + " (pending)",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", err
	}
	if aerr != nil {
		return text, aerr
	}
	return text, perr
}

// formatRows renders rows without their position so that a shift does not
// show every following rule as changed.
func formatRows(rows []rule.Display) string {
	var b strings.Builder
	for _, d := range rows {
		b.WriteString(strings.Join(d.Columns()[1:], " | "))
		b.WriteByte('\n')
	}
	return b.String()
}
