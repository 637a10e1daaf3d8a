// Package engine is the boundary to the packet-matching data path. The monitor
// is the only caller; every driver assumes a single writer.
package engine

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/rule"
)

// Engine loads the full rule list of one section into the data path. Apply
// replaces whatever the engine held for that section before.
type Engine interface {
	Apply(ctx context.Context, section rule.Section, rules []rule.Wire) error
	Close() error
}

// InterfaceResolver maps a zone id to the interface names that belong to it.
type InterfaceResolver interface {
	Interfaces(id uint32) []string
}

// Driver names.
const (
	DriverMemory   = "memory"
	DriverNFTables = "nftables"
)

var (
	// ErrReentered is returned when Apply is entered while another Apply is
	// still running on the same engine.
	ErrReentered = errors.New("engine entered concurrently")
	// ErrUnsupported is returned by drivers unavailable on this platform.
	ErrUnsupported = errors.New("engine driver not supported on this platform")
)

// ApplyError reports a failed load of one section's pending chain.
type ApplyError struct {
	Section rule.Section
	Version uint64
	Attempt string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s version %d (attempt %s): %v", e.Section, e.Version, e.Attempt, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Config selects and parameterises a driver.
type Config struct {
	Driver string
	// Table is the nftables table owned by the engine.
	Table string
	// NetNS is an optional named network namespace to program.
	NetNS string
}

// DefaultTable is the nftables table used when Config.Table is empty.
const DefaultTable = "ruleplane"

// New builds the driver named by cfg.
func New(cfg Config, ifaces InterfaceResolver, logger *logging.Logger) (Engine, error) {
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverNFTables:
		if cfg.Table == "" {
			cfg.Table = DefaultTable
		}
		return newNFTables(cfg, ifaces, logger)
	default:
		return nil, fmt.Errorf("unknown engine driver %q", cfg.Driver)
	}
}
