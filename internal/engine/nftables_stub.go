//go:build !linux

package engine

import "grimm.is/ruleplane/internal/logging"

func newNFTables(cfg Config, ifaces InterfaceResolver, logger *logging.Logger) (Engine, error) {
	return nil, ErrUnsupported
}
