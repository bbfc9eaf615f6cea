package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/runplane/internal/audit"
	"github.com/basket/runplane/internal/bus"
	"github.com/basket/runplane/internal/config"
	"github.com/basket/runplane/internal/events"
	rpotel "github.com/basket/runplane/internal/otel"
	"github.com/basket/runplane/internal/runpaths"
	"github.com/basket/runplane/internal/server"
	"github.com/basket/runplane/internal/sweep"
	"github.com/basket/runplane/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s serve [-run-dir DIR]     Start the control service for a run (default)
  %s status [-run-dir DIR]    Query a running control service's /health
  %s watch [-run-dir DIR]     Tail control transitions for a run
  %s ask -parent-manifest M -prompt P
                              Ask the parent run a question as this run
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  RUNPLANE_RUN_DIR            Run directory (default: current directory)
  RUNPLANE_DELEGATION_TOKEN   Delegation token presented by the ask command
  RUNPLANE_PARENT_RUN_ID      Default parent run id for the ask command

EXAMPLES:
  Serve a run:            %s serve -run-dir .runs/task-1/cli/run-1
  Check service health:   %s status -run-dir .runs/task-1/cli/run-1
`, os.Args[0], os.Args[0])
}

func defaultRunDir() string {
	if dir := os.Getenv("RUNPLANE_RUN_DIR"); dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := "serve"
	args := flag.Args()
	if len(args) > 0 {
		command = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch command {
	case "help", "-h", "--help":
		printUsage()
	case "version":
		fmt.Println(Version)
	case "serve":
		os.Exit(runServeCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "watch":
		os.Exit(runWatchCommand(ctx, args))
	case "ask":
		os.Exit(runAskCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		printUsage()
		os.Exit(2)
	}
}

func runServeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	runDir := fs.String("run-dir", defaultRunDir(), "run directory to serve")
	_ = fs.Parse(args)

	cfg, err := config.Load(*runDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// Audit comes up before the logger so logger failures are recorded.
	if err := audit.Init(cfg.RunDir, cfg.RunID); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()
	if db, err := audit.OpenDB(runpaths.New(cfg.RunDir).SecurityDB()); err != nil {
		fmt.Fprintf(os.Stderr, "audit db: %v\n", err)
	} else {
		defer db.Close()
	}

	// A runner-spawned service keeps stdout clean; a terminal gets logs.
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.RunDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	logger.Info("starting", "version", Version, "run_id", cfg.RunID, "config", cfg.Fingerprint())

	provider, err := rpotel.Init(ctx, rpotel.Config{
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: "runplane",
		RunID:       cfg.RunID,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()
	metrics, err := rpotel.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}

	eventBus := bus.New()
	stream, err := events.Open(events.Options{
		Path:  runpaths.New(cfg.RunDir).Events(),
		RunID: cfg.RunID,
		Bus:   eventBus,
	})
	if err != nil {
		logger.Error("event stream open failed", "error", err)
		return 1
	}
	defer stream.Close()

	srv, err := server.New(server.Options{
		Config:  cfg,
		Logger:  logger,
		Bus:     eventBus,
		Events:  stream,
		Tracer:  provider.Tracer,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("server init failed", "error", err)
		return 1
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error("server start failed", "error", err)
		return 1
	}

	sweeper, err := sweep.New(sweep.Config{
		Schedule: cfg.Sweep.Schedule,
		Sweep:    srv.SweepExpired,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("sweeper init failed", "error", err)
		return 1
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Reload-sensitive settings are few; for now a config change logs a
	// notice so operators know a restart is needed to apply it.
	watcher := config.NewWatcher(cfg.RunDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config changed on disk; restart to apply")
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ForwardTimeout())
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}
