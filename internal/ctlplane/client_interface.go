package ctlplane

// ControlPlaneClient defines the interface for communicating with the control plane.
// This interface enables mocking in unit tests.
type ControlPlaneClient interface {
	Close() error

	GetStatus() (*GetStatusReply, error)
	Zones() (*ZonesReply, error)
	Reload(path string) (*ReloadReply, error)
	Events(limit int, types ...string) (*EventsReply, error)
	Logs(limit int, source string) (*LogsReply, error)

	// --- Rules ---
	CreateRule(fields map[string]string) (*CreateRuleReply, error)
	DeleteRule(section string, position int) (*DeleteRuleReply, error)
	ViewRuleset(section, version string) (*ViewRulesetReply, error)
	Render(section, version string) (*RenderReply, error)
	Diff(section string) (string, error)

	// --- Propagation ---
	Retry(section string) (*RetryReply, error)
	Rollback(section string) error
}

var _ ControlPlaneClient = (*Client)(nil)
