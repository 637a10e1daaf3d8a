package ctlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"sync"
	"time"

	"grimm.is/ruleplane/internal/config"
	"grimm.is/ruleplane/internal/events"
	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/metrics"
	"grimm.is/ruleplane/internal/monitor"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/validation"
	"grimm.is/ruleplane/internal/zone"
)

// DefaultSocketPath is where the daemon listens unless configured otherwise.
const DefaultSocketPath = "/run/ruleplane/ctl.sock"

// serviceName prefixes every RPC method ("Server.CreateRule").
const serviceName = "Server"

// DefaultCallTimeout bounds RPCs that wait on the monitor.
const DefaultCallTimeout = 30 * time.Second

// Policy is the admin surface the server exposes. *policy.Service
// implements it.
type Policy interface {
	CreateRule(ctx context.Context, f validation.CandidateFields) (rule.Rule, error)
	DeleteRule(ctx context.Context, section string, position int) (rule.Rule, error)
	ViewRuleset(section rule.Section, version rule.Version) map[int]rule.Wire
	Render(section rule.Section, version rule.Version) ([]rule.Display, error)
	RenderRule(r rule.Rule) (rule.Display, error)
	Status() []monitor.SectionStatus
	Retry(ctx context.Context, section rule.Section) (monitor.Result, error)
	Rollback(ctx context.Context, section rule.Section) error
	Diff(section rule.Section) (string, error)
	Zones() []zone.Zone
	Reload(snap zone.Snapshot) error
}

// EventSource reads recent journal entries. *events.Journal implements it.
type EventSource interface {
	Recent(limit int, types ...events.EventType) ([]events.Entry, error)
}

// Server is the RPC server behind the control socket.
type Server struct {
	policy     Policy
	journal    EventSource
	configFile string
	version    string
	logger     *logging.Logger
	metrics    *metrics.Registry
	started    time.Time
	timeout    time.Duration

	mu       sync.Mutex
	rpc      *rpc.Server
	listener net.Listener
}

// NewServer creates a server for p. configFile is re-read by Reload.
func NewServer(p Policy, configFile string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		policy:     p,
		configFile: configFile,
		version:    "dev",
		logger:     logger.WithComponent("ctlplane"),
		metrics:    metrics.Get(),
		started:    time.Now(),
		timeout:    DefaultCallTimeout,
	}
}

// SetJournal enables the Events method.
func (s *Server) SetJournal(j EventSource) {
	s.journal = j
}

// SetVersion sets the version string reported by GetStatus.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// SetCallTimeout overrides DefaultCallTimeout.
func (s *Server) SetCallTimeout(d time.Duration) {
	s.timeout = d
}

// GetStatus returns the daemon and per-section propagation status.
func (s *Server) GetStatus(args *Empty, reply *GetStatusReply) error {
	reply.Status = Status{
		Running:    true,
		Version:    s.version,
		ConfigFile: s.configFile,
		StartedAt:  s.started,
		Uptime:     time.Since(s.started),
	}
	reply.Sections = s.policy.Status()
	return s.observe("GetStatus", nil)
}

// CreateRule validates and inserts a rule into a pending chain.
func (s *Server) CreateRule(args *CreateRuleArgs, reply *CreateRuleReply) error {
	ctx, cancel := s.context()
	defer cancel()

	r, err := s.policy.CreateRule(ctx, validation.CandidateFields(args.Fields))
	if err != nil {
		return s.observe("CreateRule", err)
	}
	reply.Section = r.Section.String()
	reply.Position = r.Position
	reply.Wire = rule.Encode(r)
	// the rendered row is informational; a fault surfaces on the next Render
	reply.Display, _ = s.policy.RenderRule(r)
	return s.observe("CreateRule", nil)
}

// DeleteRule removes a rule from a pending chain.
func (s *Server) DeleteRule(args *DeleteRuleArgs, reply *DeleteRuleReply) error {
	ctx, cancel := s.context()
	defer cancel()

	r, err := s.policy.DeleteRule(ctx, args.Section, args.Position)
	if err != nil {
		return s.observe("DeleteRule", err)
	}
	reply.Section = r.Section.String()
	reply.Position = r.Position
	reply.Wire = rule.Encode(r)
	return s.observe("DeleteRule", nil)
}

// ViewRuleset returns a chain in wire form keyed by position.
func (s *Server) ViewRuleset(args *RulesetArgs, reply *ViewRulesetReply) error {
	sec, ver, err := parseRuleset(args)
	if err != nil {
		return s.observe("ViewRuleset", err)
	}
	reply.Rules = s.policy.ViewRuleset(sec, ver)
	return s.observe("ViewRuleset", nil)
}

// Render returns a chain in display form. A consistency fault fails the call.
func (s *Server) Render(args *RulesetArgs, reply *RenderReply) error {
	sec, ver, err := parseRuleset(args)
	if err != nil {
		return s.observe("Render", err)
	}
	rows, err := s.policy.Render(sec, ver)
	if err != nil {
		return s.observe("Render", err)
	}
	reply.Rows = rows
	return s.observe("Render", nil)
}

// Retry re-propagates a section and waits for the result.
func (s *Server) Retry(args *SectionArgs, reply *RetryReply) error {
	sec, err := rule.ParseSection(args.Section)
	if err != nil {
		return s.observe("Retry", err)
	}
	ctx, cancel := s.context()
	defer cancel()

	res, err := s.policy.Retry(ctx, sec)
	reply.Result = res
	return s.observe("Retry", err)
}

// Rollback discards a section's pending edit.
func (s *Server) Rollback(args *SectionArgs, reply *Empty) error {
	sec, err := rule.ParseSection(args.Section)
	if err != nil {
		return s.observe("Rollback", err)
	}
	ctx, cancel := s.context()
	defer cancel()
	return s.observe("Rollback", s.policy.Rollback(ctx, sec))
}

// Diff returns a unified diff from active to pending.
func (s *Server) Diff(args *SectionArgs, reply *DiffReply) error {
	sec, err := rule.ParseSection(args.Section)
	if err != nil {
		return s.observe("Diff", err)
	}
	d, err := s.policy.Diff(sec)
	if err != nil {
		return s.observe("Diff", err)
	}
	reply.Diff = d
	return s.observe("Diff", nil)
}

// Zones lists the zone table with reference counts.
func (s *Server) Zones(args *Empty, reply *ZonesReply) error {
	reply.Zones = s.policy.Zones()
	return s.observe("Zones", nil)
}

// Reload re-reads zones and interfaces from the configuration file.
func (s *Server) Reload(args *ReloadArgs, reply *ReloadReply) error {
	path := args.Path
	if path == "" {
		path = s.configFile
	}
	if path == "" {
		return s.observe("Reload", errors.New("no configuration file to reload"))
	}

	result, err := config.LoadFileWithOptions(path, config.DefaultLoadOptions())
	if err != nil {
		return s.observe("Reload", err)
	}
	if errs := result.Config.Validate(); errs.HasErrors() {
		return s.observe("Reload", fmt.Errorf("invalid configuration: %w", errs))
	}
	snap, err := result.Config.ZoneSnapshot()
	if err != nil {
		return s.observe("Reload", err)
	}
	if err := s.policy.Reload(snap); err != nil {
		return s.observe("Reload", err)
	}

	reply.Zones = len(snap.Builtins) + len(snap.UserDefined)
	reply.Interfaces = len(snap.Interfaces.Builtins) + len(snap.Interfaces.Extended)
	reply.Warnings = result.Warnings
	return s.observe("Reload", nil)
}

// Events returns recent journal entries, newest first.
func (s *Server) Events(args *EventsArgs, reply *EventsReply) error {
	if s.journal == nil {
		return s.observe("Events", errors.New("event journal is not enabled"))
	}
	types := make([]events.EventType, 0, len(args.Types))
	for _, t := range args.Types {
		types = append(types, events.EventType(t))
	}
	entries, err := s.journal.Recent(args.Limit, types...)
	if err != nil {
		return s.observe("Events", err)
	}
	reply.Events = make([]EventRecord, 0, len(entries))
	for _, e := range entries {
		reply.Events = append(reply.Events, EventRecord{
			Timestamp: e.Timestamp,
			Type:      string(e.Type),
			Source:    e.Source,
			Data:      e.Data,
		})
	}
	return s.observe("Events", nil)
}

// Logs returns lines kept by the daemon's console log handler.
func (s *Server) Logs(args *LogsArgs, reply *LogsReply) error {
	buf := logging.GetRecentBuffer()
	if args.Source != "" {
		reply.Entries = buf.GetBySource(args.Source, args.Limit)
	} else {
		reply.Entries = buf.GetLast(args.Limit)
	}
	return s.observe("Logs", nil)
}

func (s *Server) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// observe counts the call and passes err through.
func (s *Server) observe(method string, err error) error {
	status := "ok"
	if err != nil {
		status = "error"
		s.logger.Debug("rpc failed", "method", method, "error", err)
	}
	s.metrics.RPCRequests.WithLabelValues(method, status).Inc()
	return err
}

func parseRuleset(args *RulesetArgs) (rule.Section, rule.Version, error) {
	sec, err := rule.ParseSection(args.Section)
	if err != nil {
		return 0, 0, err
	}
	ver, err := rule.ParseVersion(args.Version)
	if err != nil {
		return 0, 0, err
	}
	return sec, ver, nil
}

// Start listens on the unix socket at path, replacing a stale socket file.
func (s *Server) Start(path string) error {
	if path == "" {
		path = DefaultSocketPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	// Remove existing socket if present
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	// Only root may change rules; group members may read.
	if err := os.Chmod(path, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves RPC on an existing listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName(serviceName, s); err != nil {
		return fmt.Errorf("failed to register RPC service: %w", err)
	}

	s.mu.Lock()
	s.rpc = srv
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("control plane listening", "addr", listener.Addr().String())

	// Accept connections in background
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				// If the listener is closed, we exit
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("accept failed", "error", err)
				return
			}
			go func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("RPC connection handler panicked", "panic", r)
					}
				}()
				srv.ServeConn(conn)
			}()
		}
	}()

	return nil
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context, path string) error {
	if err := s.Start(path); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes the listener. Connections in flight finish their current call.
func (s *Server) Stop() error {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	err := l.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
