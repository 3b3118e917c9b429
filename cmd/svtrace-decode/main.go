// Command svtrace-decode is the RTT Lite Trace decode agent binary. It loads
// a YAML configuration file, opens the configured byte source, drives the
// decode pipeline into a local sink and durable queue, forwards queued
// tuples to a svtrace-collectord instance over mTLS gRPC, mirrors recovered
// defects into a hash-chained audit log, exposes a /healthz liveness
// endpoint, and shuts down gracefully on SIGTERM or SIGINT.
//
// # Supervision
//
// By default the process re-execs itself as a supervised worker, mirroring
// the source tracer's own fork/waitpid restart loop: a worker that exits
// with exitCodeTransportError (a recoverable byte-source failure, spec.md
// §7) is relaunched after a short backoff; any other exit code is
// propagated unchanged and the supervisor stops. Pass -no-supervise to run
// the worker directly in the current process, e.g. under a container
// orchestrator that already restarts crashed processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/doki-nordic/svtrace/internal/audit"
	"github.com/doki-nordic/svtrace/internal/config"
	"github.com/doki-nordic/svtrace/internal/queue"
	"github.com/doki-nordic/svtrace/internal/session"
	"github.com/doki-nordic/svtrace/internal/sink"
	"github.com/doki-nordic/svtrace/internal/source"
	"github.com/doki-nordic/svtrace/internal/transport"
)

// Exit codes for the worker process. Mirrors original_source/main.c's
// RECOVERABLE_EXIT_CODE / TERMINATION_EXIT_CODE convention: the supervisor
// restarts on exitCodeTransportError and stops on anything else.
const (
	exitCodeOK               = 0
	exitCodeTransportError   = 2
	supervisorRestartBackoff = time.Second
)

// workerFlag re-execs svtrace-decode as the supervised worker. It is an
// unexported implementation detail, not a user-facing flag.
const workerFlag = "-supervised-worker"

// main inspects raw os.Args before any flag-package parsing: the supervisor
// decision and the worker's own flags must not compete over the same
// flag.CommandLine.
func main() {
	noSupervise, isWorker := false, false
	var workerArgs []string
	for _, a := range os.Args[1:] {
		switch a {
		case "-no-supervise", "--no-supervise":
			noSupervise = true
		case workerFlag, "--supervised-worker":
			isWorker = true
		default:
			workerArgs = append(workerArgs, a)
		}
	}

	if noSupervise || isWorker {
		os.Exit(runWorker(workerArgs))
	}
	os.Exit(runSupervisor(workerArgs))
}

// runSupervisor re-execs the current binary with workerArgs plus workerFlag,
// waiting for it to exit. A worker exit code of exitCodeTransportError is
// treated as recoverable and the worker is relaunched after
// supervisorRestartBackoff; any other exit code is propagated and the
// supervisor returns.
func runSupervisor(workerArgs []string) int {
	args := append(append([]string{}, workerArgs...), workerFlag)

	for {
		cmd := exec.Command(os.Args[0], args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin

		if err := cmd.Run(); err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				fmt.Fprintf(os.Stderr, "svtrace-decode: supervisor: cannot run worker: %v\n", err)
				return 1
			}
			code := exitErr.ExitCode()
			if code == exitCodeTransportError {
				fmt.Fprintf(os.Stderr, "svtrace-decode: supervisor: worker exited with recoverable transport error, restarting in %s\n", supervisorRestartBackoff)
				time.Sleep(supervisorRestartBackoff)
				continue
			}
			return code
		}
		return exitCodeOK
	}
}

// runWorker runs one decode-agent lifecycle to completion and returns the
// process exit code the caller (main, or the supervisor's re-exec) should
// use. args excludes the supervision flags main already consumed.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("svtrace-decode", flag.ExitOnError)
	configPath := fs.String("config", "/etc/svtrace/decode.yaml", "path to the svtrace-decode YAML configuration file")
	hostname := fs.String("hostname", "", "hostname reported to the collector on registration (defaults to os.Hostname())")
	agentVersion := fs.String("agent-version", "dev", "agent version string reported to the collector on registration")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "svtrace-decode: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("collector_addr", cfg.CollectorAddr),
		slog.String("source_kind", cfg.Source.Kind),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
	)

	host := *hostname
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "unknown"
		}
	}

	// Open the configured byte source.
	var src source.Source
	switch cfg.Source.Kind {
	case "file":
		fsrc, err := source.OpenFile(cfg.Source.FilePath)
		if err != nil {
			logger.Error("failed to open source file", slog.String("path", cfg.Source.FilePath), slog.Any("error", err))
			return exitCodeTransportError
		}
		defer fsrc.Close()
		src = fsrc
	case "bridge":
		src = source.NewBridgedSource(context.Background())
	default:
		logger.Error("unknown source kind", slog.String("kind", cfg.Source.Kind))
		return 1
	}

	// Open the local durable queue. It persists decoded tuples across
	// restarts so that a crash between decode and delivery never loses one.
	q, err := queue.New(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open local queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		return 1
	}
	logger.Info("local queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))

	// Open the tamper-evident defect audit log.
	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", cfg.AuditPath), slog.Any("error", err))
		return 1
	}

	// Create the gRPC transport client. It dials with mTLS, forwards every
	// tuple from the local queue, and reconnects automatically on stream
	// errors. RegisterSession is called once, by the session at start-up,
	// not on each reconnect.
	trans, err := transport.NewClient(
		cfg.CollectorAddr,
		cfg.TLS.CertPath,
		cfg.TLS.KeyPath,
		cfg.TLS.CAPath,
		q,
		transport.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create transport client", slog.Any("error", err))
		return 1
	}

	sk := sink.NewLogSink(logger)

	sess := session.New(host, *agentVersion, src, sk, q, trans,
		session.WithAudit(auditLog),
		session.WithLogger(logger),
	)

	// Start the /healthz HTTP server.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", sess.HealthzHandler)

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sess.Run(context.Background())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := exitCodeOK
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case runErr := <-runErrCh:
		if runErr != nil {
			logger.Error("session run exited with error, treating as recoverable transport failure", slog.Any("error", runErr))
			exitCode = exitCodeTransportError
		}
	}

	sess.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("svtrace-decode worker exited", slog.Int("exit_code", exitCode))
	return exitCode
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
