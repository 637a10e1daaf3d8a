package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"grimm.is/ruleplane/cmd"
	"grimm.is/ruleplane/internal/brand"
	"grimm.is/ruleplane/internal/ctlplane"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", brand.ConfigPath(), "Configuration file")
		runFlags.StringVar(configFile, "c", brand.ConfigPath(), "Configuration file (short)")
		socket := runFlags.String("socket", "", "Override the control socket path")
		statePath := runFlags.String("state", "", "Override the state database path")
		debug := runFlags.Bool("debug", false, "Debug logging")
		verbose := runFlags.Bool("v", false, "Print the active rules once the startup apply completes")
		runFlags.Parse(os.Args[2:])

		opts := cmd.DaemonOptions{
			ConfigFile: *configFile,
			Socket:     *socket,
			StatePath:  *statePath,
			Debug:      *debug,
		}
		if *verbose {
			opts.Dump = os.Stdout
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := cmd.RunDaemon(ctx, opts)
		if err != nil {
			fatal("Run failed", err)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Print zones and seed rules")
		checkFlags.BoolVar(verbose, "v", false, "Print zones and seed rules (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := brand.ConfigPath()
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(os.Stdout, configFile, *verbose); err != nil {
			fatal("Check failed", err)
		}

	case "config":
		// Print the effective configuration with defaults filled in
		configFile := brand.ConfigPath()
		if len(os.Args) > 2 {
			configFile = os.Args[2]
		}
		if err := cmd.RunShowConfig(os.Stdout, configFile); err != nil {
			fatal("Config failed", err)
		}

	case "show":
		showFlags := flag.NewFlagSet("show", flag.ExitOnError)
		socket := socketFlag(showFlags)
		version := showFlags.String("version", "pending", "Chain version: pending or active")
		format := showFlags.String("format", "table", "Output format: table, json or yaml")
		showFlags.StringVar(format, "o", "table", "Output format (short)")
		wire := showFlags.Bool("wire", false, "Print the engine wire form")
		showFlags.Parse(os.Args[2:])

		f := mustFormat(*format)
		section := ""
		if showFlags.NArg() > 0 {
			section = strings.ToUpper(showFlags.Arg(0))
		}
		withClient(*socket, func(c ctlplane.ControlPlaneClient) error {
			return cmd.RunShow(c, os.Stdout, cmd.ShowOptions{
				Section: section, Version: *version, Format: f, Wire: *wire,
			})
		})

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		socket := socketFlag(statusFlags)
		format := statusFlags.String("format", "table", "Output format: table, json or yaml")
		statusFlags.StringVar(format, "o", "table", "Output format (short)")
		statusFlags.Parse(os.Args[2:])

		f := mustFormat(*format)
		withClient(*socket, func(c ctlplane.ControlPlaneClient) error {
			return cmd.RunStatus(c, os.Stdout, f)
		})

	case "add":
		// add section=MAIN position=1 src_zone=LAN ... action=accept
		addFlags := flag.NewFlagSet("add", flag.ExitOnError)
		socket := socketFlag(addFlags)
		addFlags.Parse(os.Args[2:])

		fields, err := cmd.ParseRuleArgs(addFlags.Args())
		if err != nil {
			fatal("Add failed", err)
		}
		withClient(*socket, func(c ctlplane.ControlPlaneClient) error {
			return cmd.RunAdd(c, os.Stdout, fields)
		})

	case "delete":
		deleteFlags := flag.NewFlagSet("delete", flag.ExitOnError)
		socket := socketFlag(deleteFlags)
		deleteFlags.Parse(os.Args[2:])

		if deleteFlags.NArg() != 2 {
			usage("delete <section> <position>")
		}
		pos, err := cmd.ParsePosition(deleteFlags.Arg(1))
		if err != nil {
			fatal("Delete failed", err)
		}
		withClient(*socket, func(c ctlplane.ControlPlaneClient) error {
			return cmd.RunDelete(c, os.Stdout, deleteFlags.Arg(0), pos)
		})

	case "retry", "rollback", "diff":
		name := os.Args[1]
		sectionFlags := flag.NewFlagSet(name, flag.ExitOnError)
		socket := socketFlag(sectionFlags)
		sectionFlags.Parse(os.Args[2:])

		if sectionFlags.NArg() != 1 {
			usage(name + " <section>")
		}
		section := sectionFlags.Arg(0)
		withClient(*socket, func(c ctlplane.ControlPlaneClient) error {
			switch name {
			case "retry":
				return cmd.RunRetry(c, os.Stdout, section)
			case "rollback":
				return cmd.RunRollback(c, os.Stdout, section)
			default:
				return cmd.RunDiff(c, os.Stdout, section)
			}
		})

	case "zones":
		zoneFlags := flag.NewFlagSet("zones", flag.ExitOnError)
		socket := socketFlag(zoneFlags)
		format := zoneFlags.String("format", "table", "Output format: table, json or yaml")
		zoneFlags.StringVar(format, "o", "table", "Output format (short)")
		zoneFlags.Parse(os.Args[2:])

		f := mustFormat(*format)
		withClient(*socket, func(c ctlplane.ControlPlaneClient) error {
			return cmd.RunZones(c, os.Stdout, f)
		})

	case "reload":
		reloadFlags := flag.NewFlagSet("reload", flag.ExitOnError)
		socket := socketFlag(reloadFlags)
		reloadFlags.Parse(os.Args[2:])

		withClient(*socket, func(c ctlplane.ControlPlaneClient) error {
			return cmd.RunReload(c, os.Stdout, reloadFlags.Arg(0))
		})

	case "events":
		eventFlags := flag.NewFlagSet("events", flag.ExitOnError)
		socket := socketFlag(eventFlags)
		limit := eventFlags.Int("limit", cmd.DefaultEventLimit, "Number of entries")
		eventFlags.IntVar(limit, "n", cmd.DefaultEventLimit, "Number of entries (short)")
		format := eventFlags.String("format", "table", "Output format: table, json or yaml")
		eventFlags.StringVar(format, "o", "table", "Output format (short)")
		eventFlags.Parse(os.Args[2:])

		f := mustFormat(*format)
		withClient(*socket, func(c ctlplane.ControlPlaneClient) error {
			return cmd.RunEvents(c, os.Stdout, *limit, eventFlags.Args(), f)
		})

	case "logs":
		logFlags := flag.NewFlagSet("logs", flag.ExitOnError)
		socket := socketFlag(logFlags)
		limit := logFlags.Int("n", cmd.DefaultLogLimit, "Number of lines")
		source := logFlags.String("source", "", "Only lines from this component (monitor, policy, zone, ...)")
		format := logFlags.String("o", "table", "Output format: table, json or yaml")
		logFlags.Parse(os.Args[2:])

		f := mustFormat(*format)
		withClient(*socket, func(c ctlplane.ControlPlaneClient) error {
			return cmd.RunLogs(c, os.Stdout, *limit, *source, f)
		})

	case "version":
		printer.Println(brand.VersionString())

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func socketFlag(fs *flag.FlagSet) *string {
	socket := fs.String("socket", brand.SocketPath(), "Control socket path")
	fs.StringVar(socket, "s", brand.SocketPath(), "Control socket path (short)")
	return socket
}

func withClient(socket string, fn func(ctlplane.ControlPlaneClient) error) {
	client, err := ctlplane.NewClient(socket)
	if err != nil {
		printer.Fprintf(os.Stderr, "%v\n", err)
		printer.Fprintf(os.Stderr, "Is the daemon running? Start with: %s run -c <config>\n", brand.BinaryName)
		os.Exit(1)
	}
	defer client.Close()
	if err := fn(client); err != nil {
		client.Close()
		printer.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func mustFormat(s string) cmd.Format {
	f, err := cmd.ParseFormat(s)
	if err != nil {
		fatal("Invalid flag", err)
	}
	return f
}

func usage(args string) {
	printer.Fprintf(os.Stderr, "Usage: %s %s\n", brand.BinaryName, args)
	os.Exit(1)
}

func fatal(what string, err error) {
	printer.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func printUsage() {
	w := os.Stdout
	printer.Fprintf(w, "%s - %s\n\n", brand.Name, brand.Description)
	printer.Fprintf(w, "Usage: %s <command> [options]\n\n", brand.BinaryName)
	printer.Fprintln(w, "Daemon:")
	printer.Fprintln(w, "  run [-c file] [-v]           Run the policy engine")
	printer.Fprintln(w, "  check [-v] [file]            Validate a configuration file")
	printer.Fprintln(w, "  config [file]                Print the effective configuration")
	printer.Fprintln(w)
	printer.Fprintln(w, "Rules:")
	printer.Fprintln(w, "  show [section] [-version active] [-wire] [-o fmt]")
	printer.Fprintln(w, "  add key=value ...            Create a rule in a pending chain")
	printer.Fprintln(w, "  delete <section> <position>  Delete a rule from a pending chain")
	printer.Fprintln(w, "  diff <section>               Diff active against pending")
	printer.Fprintln(w, "  retry <section>              Re-propagate and wait for the result")
	printer.Fprintln(w, "  rollback <section>           Discard pending edits")
	printer.Fprintln(w)
	printer.Fprintln(w, "Zones and status:")
	printer.Fprintln(w, "  zones [-o fmt]               List zones with reference counts")
	printer.Fprintln(w, "  reload [file]                Re-read zones and interfaces")
	printer.Fprintln(w, "  status [-o fmt]              Section propagation status")
	printer.Fprintln(w, "  events [-n N] [type ...]     Recent journal entries")
	printer.Fprintln(w, "  logs [-n N] [-source NAME]   Recent daemon log lines")
	printer.Fprintln(w, "  version")
}
