// Command riskpipe scores M-Pesa transaction batches.
//
// Usage:
//
//	riskpipe serve                          # HTTP ingest API, health, metrics, /ws
//	riskpipe run [flags] <file|->           # score one batch file and print the report
//
// Configuration comes from the environment (see internal/config); a .env
// file in the working directory is loaded when present.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mpesa-analytics/riskpipe/internal/app"
	"github.com/mpesa-analytics/riskpipe/internal/config"
	"github.com/mpesa-analytics/riskpipe/internal/ingest"
	"github.com/mpesa-analytics/riskpipe/internal/logging"
	"github.com/mpesa-analytics/riskpipe/internal/pipeline"
	"github.com/mpesa-analytics/riskpipe/internal/realtime"
	"github.com/mpesa-analytics/riskpipe/internal/server"
	"github.com/mpesa-analytics/riskpipe/internal/traces"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes of the run command.
const (
	exitOK        = 0
	exitError     = 1
	exitPartial   = 2
	exitRetryable = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitError)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitError)
	}
	// Logs go to stderr so that `run` can print the report on stdout.
	logger := logging.NewWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	switch os.Args[1] {
	case "serve":
		os.Exit(serve(cfg, logger))
	case "run":
		os.Exit(run(cfg, logger, os.Args[2:]))
	case "version":
		fmt.Printf("riskpipe %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	default:
		usage()
		os.Exit(exitError)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: riskpipe <command>")
	fmt.Fprintln(os.Stderr, "Commands: serve, run [-format json|csv] [-source name] [-batch-id id] <file|->, version")
}

func serve(cfg *config.Config, logger *slog.Logger) int {
	logger.Info("starting riskpipe",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)
	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialise tracing", "error", err)
		return exitError
	}
	defer flushTraces(shutdownTracing, logger)

	hub := realtime.NewHub(logger)
	a, err := app.Build(ctx, cfg, logger, hub)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return exitError
	}

	srv := server.New(cfg, a, hub, server.WithLogger(logger))
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return exitError
	}
	return exitOK
}

func run(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	formatFlag := fs.String("format", "", "input format: json or csv (default: from file extension)")
	source := fs.String("source", "", "source system for records that do not name one")
	batchID := fs.String("batch-id", "", "batch id (default: derived from the records)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if fs.NArg() != 1 {
		usage()
		return exitError
	}
	path := fs.Arg(0)

	format := ingest.Format(*formatFlag)
	if format == "" {
		if path == "-" {
			format = ingest.FormatJSON
		} else {
			f, err := ingest.FormatFromPath(path)
			if err != nil {
				logger.Error("cannot infer input format, pass -format", "path", path, "error", err)
				return exitError
			}
			format = f
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialise tracing", "error", err)
		return exitError
	}
	defer flushTraces(shutdownTracing, logger)

	in, err := open(path)
	if err != nil {
		logger.Error("failed to open input", "path", path, "error", err)
		return exitError
	}
	defer func() { _ = in.Close() }()

	a, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return exitError
	}
	defer a.Close()

	opts := a.Ingest
	if *source != "" {
		opts.Source = *source
	}
	batch, err := ingest.Decode(in, format, opts)
	if err != nil {
		logger.Error("failed to decode batch", "path", path, "error", err)
		return exitError
	}
	if *batchID != "" {
		batch.ID = *batchID
	}

	report, runErr := a.Coordinator.Run(ctx, batch)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("failed to write report", "error", err)
		return exitError
	}

	switch {
	case runErr != nil && txn.Retryable(runErr):
		return exitRetryable
	case runErr != nil:
		return exitError
	case report.Status == pipeline.RunPartial:
		return exitPartial
	}
	return exitOK
}

func open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no such file %s", path)
		}
		return nil, err
	}
	return f, nil
}

func flushTraces(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}
}
