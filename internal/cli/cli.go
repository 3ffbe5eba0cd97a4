// Package cli is the scaffolding every dreambot launcher shares: flag
// parsing, logging setup, config loading, signal handling, the ops HTTP
// endpoint and the bus manager lifecycle. A launcher supplies its name, an
// example config for the usage text and a function that builds its workers;
// Run does the rest.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/cmsj/dreambot/internal/bus"
	"github.com/cmsj/dreambot/internal/config"
	"github.com/cmsj/dreambot/internal/health"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/worker"
)

const shutdownGrace = 10 * time.Second

// BuildWorkers constructs the launcher's workers from the loaded config.
// Returning an error aborts startup with a non-zero exit.
type BuildWorkers func(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics) ([]worker.Worker, error)

// options holds the parsed command line.
type options struct {
	configPath string
	debug      bool
	quiet      bool
}

// App is one dreambot process: a bus connection plus one or more workers.
type App struct {
	name        string
	exampleJSON string

	stderr *os.File
	stdout *os.File
}

// New creates a launcher named name. The example JSON config is appended to
// the usage text, the way users expect to learn the config format.
func New(name, exampleJSON string) *App {
	return &App{
		name:        name,
		exampleJSON: exampleJSON,
		stderr:      os.Stderr,
		stdout:      os.Stdout,
	}
}

// Run executes the whole process lifecycle and returns the exit code: 0 for
// a clean signal-driven shutdown, 1 for any startup failure.
func (a *App) Run(args []string, build BuildWorkers) int {
	opts, err := a.parseArgs(args)
	if err != nil {
		if err == pflag.ErrHelp {
			fmt.Fprintln(a.stdout, a.usage())
			return 0
		}
		fmt.Fprintf(a.stderr, "%v\n\n%s\n", err, a.usage())
		return 1
	}

	logger := a.setupLogging(opts)
	logger.Info().Str("config", opts.configPath).Msg("starting up")

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error().Err(err).Msg("config load failed")
		return 1
	}

	met := metrics.New()

	workers, err := build(cfg, logger, met)
	if err != nil {
		logger.Error().Err(err).Msg("worker construction failed")
		return 1
	}
	if len(workers) == 0 {
		logger.Error().Msg("launcher built no workers")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := bus.New(logger, met, a.name, cfg.NatsURI)
	if err := manager.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("bus connection failed")
		return 1
	}

	checker := health.NewChecker(logger)
	checker.Register("bus", health.BoolCheck(manager.Connected))
	for _, w := range workers {
		checker.Register(w.Identity().Address(), health.BoolCheck(w.Booted))
	}

	opsServer := a.serveOps(cfg, logger, met, checker)

	manager.Serve(ctx, workers...)

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w worker.Worker) {
			defer wg.Done()
			addr := w.Identity().Address()
			logger.Info().Str("worker", addr).Msg("booting worker")
			if err := w.Boot(ctx); err != nil {
				logger.Error().Err(err).Str("worker", addr).Msg("worker boot failed")
			}
		}(w)
	}

	a.waitForSignal(logger)

	logger.Info().Msg("shutting down")
	cancel()
	for _, w := range workers {
		w.Shutdown()
	}
	manager.Shutdown()

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("ops server shutdown failed")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("all workers stopped")
	case <-time.After(shutdownGrace):
		logger.Warn().Msg("forced shutdown after timeout")
	}
	return 0
}

// parseArgs reads the shared launcher flags. Parsing never writes anywhere;
// the caller decides where usage goes.
func (a *App) parseArgs(args []string) (*options, error) {
	opts := &options{}
	fs := newFlagSet(a.name, opts)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.configPath == "" {
		return nil, fmt.Errorf("the --config flag is required")
	}
	return opts, nil
}

func newFlagSet(name string, opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(nopWriter{})
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config JSON file")
	fs.BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "disable most logging")
	return fs
}

// usage renders the flag table followed by the launcher's example config.
func (a *App) usage() string {
	fs := newFlagSet(a.name, &options{})
	return fmt.Sprintf("Dreambot %s\n\nusage: %s [flags]\n\nflags:\n%s\n%s",
		a.name, a.name, fs.FlagUsages(), a.exampleJSON)
}

// setupLogging configures the process-wide zerolog logger: human-readable on
// a terminal, JSON otherwise.
func (a *App) setupLogging(opts *options) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(logLevel(opts))

	logger := zerolog.New(a.stdout).With().Timestamp().Str("cli", a.name).Logger()
	if isatty.IsTerminal(a.stdout.Fd()) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: a.stderr})
	}
	log.Logger = logger
	return logger
}

func logLevel(opts *options) zerolog.Level {
	switch {
	case opts.debug:
		return zerolog.DebugLevel
	case opts.quiet:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// serveOps starts the metrics and health endpoint when ops_listen is set.
func (a *App) serveOps(cfg *config.Config, logger zerolog.Logger, met *metrics.Metrics, checker *health.Checker) *http.Server {
	if cfg.OpsListen == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.Handle("/metrics", met.Handler())

	server := &http.Server{
		Addr:         cfg.OpsListen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.OpsListen).Msg("ops server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server error")
		}
	}()
	return server
}

// waitForSignal blocks until SIGINT or SIGTERM. SIGHUP toggles debug logging
// at runtime and keeps waiting.
func (a *App) waitForSignal(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			level := toggleDebug()
			logger.Info().Str("level", level.String()).Msg("log level toggled")
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("received signal")
		return
	}
}

// toggleDebug flips the global log level between debug and info and returns
// the new level.
func toggleDebug() zerolog.Level {
	level := zerolog.InfoLevel
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	return level
}

// nopWriter swallows pflag's own error printing; the launcher owns all
// output.
type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
