package health

import (
	"context"
	"fmt"
	"strings"

	"grimm.is/ruleplane/internal/monitor"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StateCheck reports the state database unhealthy when it stops answering.
func StateCheck(db Pinger) CheckFunc {
	return func(ctx context.Context) Check {
		if err := db.PingContext(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("state database: %v", err)}
		}
		return Check{Status: StatusHealthy, Message: "state database reachable"}
	}
}

// SectionsCheck reports degraded while any section's last apply failed.
// Rules keep matching the previous active chain in that state, so the
// engine is still serving.
func SectionsCheck(status func() []monitor.SectionStatus) CheckFunc {
	return func(ctx context.Context) Check {
		var failed []string
		for _, s := range status() {
			if s.Failed {
				failed = append(failed, fmt.Sprintf("%s (%s)", s.Section, s.LastError))
			}
		}
		if len(failed) > 0 {
			return Check{Status: StatusDegraded, Message: "apply failed: " + strings.Join(failed, ", ")}
		}
		return Check{Status: StatusHealthy, Message: "all sections applied"}
	}
}
