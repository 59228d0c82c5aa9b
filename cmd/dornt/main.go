package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/app"
	"github.com/hurttlocker/dornt/internal/config"
	"github.com/hurttlocker/dornt/internal/logging"
)

var version = "0.1.0-dev"

// globalFlags are accepted before or after the command.
type globalFlags struct {
	configPath string
	backend    string
	dsn        string
	logLevel   string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	g, args, err := parseGlobalFlags(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(args) == 0 {
		printUsage()
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return exitCode(runStage(ctx, g, args[1:]))
	case "status":
		return exitCode(runStatus(ctx, g, args[1:]))
	case "clusters":
		return exitCode(runClusters(ctx, g, args[1:]))
	case "sweep":
		return exitCode(runSweep(ctx, g, args[1:]))
	case "enqueue":
		return exitCode(runEnqueue(ctx, g, args[1:]))
	case "mcp":
		return exitCode(runMCP(ctx, g, args[1:]))
	case "version", "--version", "-v":
		fmt.Printf("dornt %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		return 1
	}
}

// errStageFailed signals exit code 1 after the result was already printed.
type errStageFailed struct{ msg string }

func (e errStageFailed) Error() string { return e.msg }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if _, ok := err.(errStageFailed); !ok {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return 1
}

func parseGlobalFlags(argv []string) (globalFlags, []string, error) {
	var g globalFlags
	var rest []string
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		name, value, hasValue := strings.Cut(arg, "=")
		var dst *string
		switch name {
		case "--config":
			dst = &g.configPath
		case "--backend":
			dst = &g.backend
		case "--dsn":
			dst = &g.dsn
		case "--log-level":
			dst = &g.logLevel
		default:
			rest = append(rest, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(argv) {
				return g, nil, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = argv[i]
		}
		*dst = value
	}
	return g, rest, nil
}

// bootstrap resolves configuration, builds the logger and wires the App.
func bootstrap(ctx context.Context, g globalFlags) (*app.App, zerolog.Logger, error) {
	resolved, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath:  g.configPath,
		CLIBackend:  g.backend,
		CLIDSN:      g.dsn,
		CLILogLevel: g.logLevel,
	})
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	cfg := resolved.Config

	log, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log.Debug().
		Str("config", resolved.ConfigPath).
		Str("backend", cfg.Storage.Backend).
		Str("backend_source", string(resolved.Value(config.KeyBackend).Source)).
		Msg("configuration resolved")

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, log, err
	}
	return a, log, nil
}

func printUsage() {
	fmt.Printf(`dornt %s - incremental topic clustering and pipeline stage coordinator

Usage:
  dornt [global flags] <command> [arguments]

Commands:
  run <stage|all>     Run a pipeline stage under its lock (ingest, cluster,
                      analyze, storylines, sitegen)
  status              Show the state and lock holder of every stage
  clusters            List clusters, most important first
  sweep               Move idle clusters to stale or archived
  enqueue <file>      Add items from a JSON file ("-" for stdin) to the
                      pending feed
  mcp                 Serve MCP tools over stdio
  version             Print version

Command Flags:
  clusters --all              Include archived clusters
  clusters --needs-analysis   Only clusters whose analysis is out of date
  clusters --limit N          Show at most N clusters (default 20)
  sweep --dry-run             Report transitions without applying them
  status, clusters, sweep, run --json   Print JSON instead of text

Global Flags:
  --config <path>     Config file (default ~/.dornt/config.yaml)
  --backend <name>    Storage backend: sqlite, redis, gcs, postgres, memory
  --dsn <value>       Backend location: file path, address, bucket or URL
  --log-level <lvl>   trace, debug, info, warn or error

Environment:
  DORNT_* variables override the config file; flags override both.
`, version)
}
