package chain

import (
	"errors"
	"fmt"

	"grimm.is/ruleplane/internal/rule"
)

var (
	// ErrStalePending is returned by Commit when the pending chain changed
	// after the snapshot that was applied.
	ErrStalePending = errors.New("pending chain changed since snapshot")
	// ErrUnknownSection is returned for a section outside BEFORE, MAIN, AFTER.
	ErrUnknownSection = errors.New("unknown section")
)

// PositionConflictError reports an insert or remove outside the dense range
// of a pending chain.
type PositionConflictError struct {
	Section  rule.Section
	Position int
	Len      int
	Op       string
}

func (e *PositionConflictError) Error() string {
	limit := e.Len
	if e.Op == "insert" {
		limit = e.Len + 1
	}
	return fmt.Sprintf("%s %s position %d out of range (1-%d)", e.Op, e.Section, e.Position, limit)
}

// ZoneRefError reports a rule whose zone could not be referenced.
type ZoneRefError struct {
	Section rule.Section
	ZoneID  uint32
	Err     error
}

func (e *ZoneRefError) Error() string {
	return fmt.Sprintf("%s: zone %d: %v", e.Section, e.ZoneID, e.Err)
}

func (e *ZoneRefError) Unwrap() error { return e.Err }
