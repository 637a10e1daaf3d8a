package ctlplane

import (
	"github.com/stretchr/testify/mock"
)

// MockControlPlaneClient is a mock implementation of ControlPlaneClient for testing.
type MockControlPlaneClient struct {
	mock.Mock
}

var _ ControlPlaneClient = (*MockControlPlaneClient)(nil)

func (m *MockControlPlaneClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockControlPlaneClient) GetStatus() (*GetStatusReply, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GetStatusReply), args.Error(1)
}

func (m *MockControlPlaneClient) Zones() (*ZonesReply, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ZonesReply), args.Error(1)
}

func (m *MockControlPlaneClient) Reload(path string) (*ReloadReply, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ReloadReply), args.Error(1)
}

func (m *MockControlPlaneClient) Events(limit int, types ...string) (*EventsReply, error) {
	args := m.Called(limit, types)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*EventsReply), args.Error(1)
}

func (m *MockControlPlaneClient) Logs(limit int, source string) (*LogsReply, error) {
	args := m.Called(limit, source)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*LogsReply), args.Error(1)
}

func (m *MockControlPlaneClient) CreateRule(fields map[string]string) (*CreateRuleReply, error) {
	args := m.Called(fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CreateRuleReply), args.Error(1)
}

func (m *MockControlPlaneClient) DeleteRule(section string, position int) (*DeleteRuleReply, error) {
	args := m.Called(section, position)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DeleteRuleReply), args.Error(1)
}

func (m *MockControlPlaneClient) ViewRuleset(section, version string) (*ViewRulesetReply, error) {
	args := m.Called(section, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ViewRulesetReply), args.Error(1)
}

func (m *MockControlPlaneClient) Render(section, version string) (*RenderReply, error) {
	args := m.Called(section, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RenderReply), args.Error(1)
}

func (m *MockControlPlaneClient) Diff(section string) (string, error) {
	args := m.Called(section)
	return args.String(0), args.Error(1)
}

func (m *MockControlPlaneClient) Retry(section string) (*RetryReply, error) {
	args := m.Called(section)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RetryReply), args.Error(1)
}

func (m *MockControlPlaneClient) Rollback(section string) error {
	args := m.Called(section)
	return args.Error(0)
}
