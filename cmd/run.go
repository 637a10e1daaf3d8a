package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/ruleplane/internal/brand"
	"grimm.is/ruleplane/internal/chain"
	"grimm.is/ruleplane/internal/config"
	"grimm.is/ruleplane/internal/ctlplane"
	"grimm.is/ruleplane/internal/engine"
	"grimm.is/ruleplane/internal/events"
	"grimm.is/ruleplane/internal/health"
	"grimm.is/ruleplane/internal/ifwatch"
	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/metrics"
	"grimm.is/ruleplane/internal/monitor"
	"grimm.is/ruleplane/internal/policy"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/state"
	"grimm.is/ruleplane/internal/zone"
)

// DaemonOptions overrides parts of the configuration file for RunDaemon.
type DaemonOptions struct {
	ConfigFile string
	Socket     string
	StatePath  string
	Debug      bool
	// Dump, when set, receives every section's active chain once the
	// startup apply has finished.
	Dump io.Writer
}

// daemon is the assembled policy engine.
type daemon struct {
	cfg     *config.Config
	logger  *logging.Logger
	zones   *zone.Registry
	hub     *events.Hub
	engine  engine.Engine
	store   *state.Store
	journal *events.Journal
	svc     *policy.Service
	mon     *monitor.Monitor
	ctl     *ctlplane.Server
	health  *health.Checker
}

// RunDaemon loads the configuration, restores or seeds the chains and serves
// the control socket until ctx is done.
func RunDaemon(ctx context.Context, opts DaemonOptions) error {
	result, err := config.LoadFileWithOptions(opts.ConfigFile, config.DefaultLoadOptions())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := result.Config
	if errs := cfg.Validate(); errs.HasErrors() {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	if opts.Socket != "" {
		cfg.Control.Socket = opts.Socket
	}
	if opts.StatePath != "" {
		cfg.State.Path = opts.StatePath
	}

	logger, err := newLogger(cfg.Logging, opts.Debug)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)
	for _, w := range result.Warnings {
		logger.Warn(w)
	}

	d, err := assemble(ctx, cfg, opts.ConfigFile, logger)
	if err != nil {
		return err
	}
	defer d.close()

	return d.run(ctx, opts.ConfigFile, opts.Dump)
}

func newLogger(lc *config.LoggingConfig, debug bool) (*logging.Logger, error) {
	lcfg := logging.DefaultConfig()
	if lc != nil {
		level, err := logging.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		lcfg.Level = level
		lcfg.JSON = lc.JSON
	}
	if debug {
		lcfg.Level = logging.LevelDebug
	}
	return logging.New(lcfg), nil
}

// assemble builds every component. On error whatever was opened is closed.
func assemble(ctx context.Context, cfg *config.Config, configFile string, logger *logging.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger, hub: events.NewHub()}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	snap, err := cfg.ZoneSnapshot()
	if err != nil {
		return nil, err
	}
	d.zones = zone.New(zone.WithLogger(logger), zone.WithStrict(cfg.Monitor.StrictRefcount))
	if err := d.zones.Load(snap); err != nil {
		return nil, fmt.Errorf("load zones: %w", err)
	}
	chains := chain.New(d.zones, logger)

	if d.engine, err = engine.New(cfg.EngineConfig(), d.zones, logger); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	statePath := cfg.State.Path
	if statePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(statePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if d.store, err = state.Open(state.DefaultOptions(statePath)); err != nil {
		return nil, err
	}

	d.svc = policy.New(d.zones, chains, nil,
		policy.WithLogger(logger),
		policy.WithEvents(d.hub),
		policy.WithPersister(d.store),
	)
	d.mon = monitor.New(chains, d.engine,
		monitor.WithLogger(logger),
		monitor.WithEvents(d.hub),
		monitor.WithPollInterval(cfg.PollInterval()),
		monitor.WithCommitHook(d.svc.Persist),
	)
	d.svc.SetPropagator(d.mon)

	restored, err := d.svc.Restore(d.store)
	if err != nil {
		return nil, err
	}
	if !restored {
		if err := d.svc.Seed(ctx, cfg.Seeds()); err != nil {
			return nil, err
		}
		logger.Info("chains seeded from configuration", "rules", len(cfg.Rules))
	}
	// the data path starts empty, so every section is applied once
	d.mon.NotifyAll("startup")

	if d.journal, err = events.NewJournal(d.store.DB(), d.hub, logger); err != nil {
		return nil, fmt.Errorf("event journal: %w", err)
	}
	jcfg := events.DefaultJournalConfig()
	jcfg.Retention = cfg.JournalRetention()
	d.journal.Start(jcfg)

	d.health = health.NewChecker(5 * time.Second)
	d.health.Register("state", health.StateCheck(d.store.DB()))
	d.health.Register("sections", health.SectionsCheck(d.svc.Status))
	if ec := cfg.EngineConfig(); ec.Driver == engine.DriverNFTables && ec.NetNS == "" {
		d.health.Register("nftables", health.NFTablesCheck(ec.Table))
	}

	d.ctl = ctlplane.NewServer(d.svc, configFile, logger)
	d.ctl.SetJournal(d.journal)
	d.ctl.SetVersion(brand.Version)
	return d, nil
}

func (d *daemon) run(ctx context.Context, configFile string, dump io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.mon.Run(gctx) })
	g.Go(func() error { return d.ctl.Run(gctx, d.cfg.Control.Socket) })
	g.Go(func() error {
		return metrics.NewCollector(d.svc, d.logger, d.cfg.MetricsInterval()).Run(gctx)
	})
	g.Go(func() error {
		if err := ifwatch.New(d.zones, d.mon, d.hub, d.logger).Run(gctx); err != nil {
			d.logger.Warn("interface watcher stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		// a missing directory only disables live reload
		w := config.NewWatcher(configFile, d.reload, d.logger)
		if err := w.Run(gctx); err != nil {
			d.logger.Warn("configuration watcher stopped", "error", err)
		}
		return nil
	})
	if listen := d.cfg.Metrics.Listen; listen != "" {
		g.Go(func() error { return d.serveMetrics(gctx, listen) })
	}
	g.Go(func() error { return d.signals(gctx, configFile) })
	if dump != nil {
		g.Go(func() error { return d.dumpActive(gctx, dump) })
	}

	d.logger.Info("policy engine running", "version", brand.Version, "socket", d.cfg.Control.Socket)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("policy engine stopped")
	return err
}

// dumpActive waits for each section's startup apply and prints its active
// chain.
func (d *daemon) dumpActive(ctx context.Context, w io.Writer) error {
	for i, sec := range rule.Sections {
		// joins the queued startup apply, or is skipped once it ran
		if _, err := d.mon.PropagateWith(ctx, sec, monitor.TriggerPoll); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn("startup apply failed", "section", sec, "error", err)
		}
		if i > 0 {
			Printer.Fprintln(w)
		}
		rows, err := d.svc.Render(sec, rule.VersionActive)
		if err != nil {
			Printer.Fprintf(w, "[%s active] %v\n", sec, err)
			continue
		}
		Printer.Fprintf(w, "[%s active]\n", sec)
		if err := printSection(w, sectionRows{Section: sec.String(), Rows: rows}); err != nil {
			return err
		}
	}
	return nil
}

// reload applies the zone and interface tables of a re-read configuration.
// Rules in the file are ignored; chains are only edited through the control
// socket once state exists.
func (d *daemon) reload(cfg *config.Config) error {
	snap, err := cfg.ZoneSnapshot()
	if err != nil {
		return err
	}
	return d.svc.Reload(snap)
}

// signals reloads on SIGHUP until ctx is done.
func (d *daemon) signals(ctx context.Context, configFile string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			d.logger.Info("received SIGHUP, reloading zones")
			result, err := config.LoadFileWithOptions(configFile, config.DefaultLoadOptions())
			if err != nil {
				d.logger.Error("failed to reload configuration", "error", err)
				continue
			}
			if errs := result.Config.Validate(); errs.HasErrors() {
				d.logger.Error("reloaded configuration is invalid", "error", errs)
				continue
			}
			if err := d.reload(result.Config); err != nil {
				d.logger.Error("zone reload refused", "error", err)
			}
		}
	}
}

func (d *daemon) serveMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", d.health.Handler())
	mux.Handle("/readyz", d.health.ReadinessHandler())
	mux.Handle("/livez", health.LivenessHandler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	d.logger.Info("metrics listening", "addr", listen)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (d *daemon) close() {
	if d.journal != nil {
		d.journal.Stop()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close state store", "error", err)
		}
	}
	if d.engine != nil {
		if err := d.engine.Close(); err != nil {
			d.logger.Warn("failed to close engine", "error", err)
		}
	}
}
