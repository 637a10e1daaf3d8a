package ctlplane

import (
	"errors"
	"fmt"
	"net/rpc"
	"strings"
	"sync"
)

// Client is the RPC client for communicating with the control plane
type Client struct {
	path   string
	client *rpc.Client
	mu     sync.RWMutex
}

// NewClient connects to the control socket at path.
func NewClient(path string) (*Client, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	client, err := rpc.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control plane at %s: %w", path, err)
	}
	return &Client{path: path, client: client}, nil
}

// Close closes the RPC connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// call wraps the RPC call with reconnection logic
func (c *Client) call(method string, args any, reply any) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		if err := c.reconnect(nil); err != nil {
			return err
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
	}

	serviceMethod := serviceName + "." + method
	err := client.Call(serviceMethod, args, reply)
	if err == nil {
		return nil
	}

	if errors.Is(err, rpc.ErrShutdown) || isNetworkError(err) {
		// Pass the failed client so a concurrent reconnect is not repeated
		if recErr := c.reconnect(client); recErr != nil {
			return fmt.Errorf("RPC call failed (%v) and reconnection failed: %w", err, recErr)
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
		return client.Call(serviceMethod, args, reply)
	}

	return err
}

// reconnect attempts to establish a new connection
func (c *Client) reconnect(oldClient *rpc.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Check if someone else reconnected while we waited
	if c.client != oldClient && c.client != nil {
		return nil
	}

	if c.client != nil {
		c.client.Close()
	}

	client, err := rpc.Dial("unix", c.path)
	if err != nil {
		return fmt.Errorf("failed to reconnect to control plane: %w", err)
	}

	c.client = client
	return nil
}

func isNetworkError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection is shut down") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad file descriptor") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "use of closed network connection")
}

// GetStatus returns the daemon and section status.
func (c *Client) GetStatus() (*GetStatusReply, error) {
	var reply GetStatusReply
	if err := c.call("GetStatus", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// CreateRule submits raw rule fields.
func (c *Client) CreateRule(fields map[string]string) (*CreateRuleReply, error) {
	var reply CreateRuleReply
	if err := c.call("CreateRule", &CreateRuleArgs{Fields: fields}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// DeleteRule removes the rule at position from a pending chain.
func (c *Client) DeleteRule(section string, position int) (*DeleteRuleReply, error) {
	var reply DeleteRuleReply
	if err := c.call("DeleteRule", &DeleteRuleArgs{Section: section, Position: position}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) ViewRuleset(section, version string) (*ViewRulesetReply, error) {
	var reply ViewRulesetReply
	if err := c.call("ViewRuleset", &RulesetArgs{Section: section, Version: version}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Render(section, version string) (*RenderReply, error) {
	var reply RenderReply
	if err := c.call("Render", &RulesetArgs{Section: section, Version: version}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Retry blocks until the section has been propagated or the server times out.
func (c *Client) Retry(section string) (*RetryReply, error) {
	var reply RetryReply
	if err := c.call("Retry", &SectionArgs{Section: section}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Rollback(section string) error {
	return c.call("Rollback", &SectionArgs{Section: section}, &Empty{})
}

func (c *Client) Diff(section string) (string, error) {
	var reply DiffReply
	if err := c.call("Diff", &SectionArgs{Section: section}, &reply); err != nil {
		return "", err
	}
	return reply.Diff, nil
}

func (c *Client) Zones() (*ZonesReply, error) {
	var reply ZonesReply
	if err := c.call("Zones", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Reload asks the daemon to re-read zones; an empty path reuses its own.
func (c *Client) Reload(path string) (*ReloadReply, error) {
	var reply ReloadReply
	if err := c.call("Reload", &ReloadArgs{Path: path}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Logs fetches recent daemon log lines, optionally for one component.
func (c *Client) Logs(limit int, source string) (*LogsReply, error) {
	var reply LogsReply
	if err := c.call("Logs", &LogsArgs{Limit: limit, Source: source}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Events(limit int, types ...string) (*EventsReply, error) {
	var reply EventsReply
	if err := c.call("Events", &EventsArgs{Limit: limit, Types: types}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
