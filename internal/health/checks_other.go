//go:build !linux

package health

import "context"

// NFTablesCheck is unhealthy off linux; the nftables driver cannot run there.
func NFTablesCheck(table string) CheckFunc {
	return func(ctx context.Context) Check {
		return Check{Status: StatusUnhealthy, Message: "nftables unsupported on this OS"}
	}
}
