// Command engine is the Vayu daemon: the process that owns storage, the
// sandbox pool, the run manager, and the HTTP control plane described
// throughout the design document. It is the sole process that touches
// vayu.db; the vayu CLI (cmd/vayu) only ever talks to it over HTTP.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/vayu-dev/vayu-engine/controlplane"
	"github.com/vayu-dev/vayu-engine/engineconfig"
	"github.com/vayu-dev/vayu-engine/eventloop"
	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/runmanager"
	"github.com/vayu-dev/vayu-engine/sandbox"
	"github.com/vayu-dev/vayu-engine/settings"
	"github.com/vayu-dev/vayu-engine/storage"
)

// version is set at link time via -ldflags "-X main.version=...", the
// teacher's own pattern for stamping a build version into a plain var.
var version = "dev"

func main() {
	flags := pflag.NewFlagSet("engine", pflag.ExitOnError)
	port := flags.Int("port", 0, "control plane listen port (0 = use config default)")
	dataDir := flags.String("data-dir", "", "override the platform default data directory")
	verbose := flags.Int("verbose", -1, "log verbosity: 0=error 1=info 2=debug")
	configPath := flags.String("config", "", "optional YAML config file path")
	flags.Parse(os.Args[1:]) //nolint:errcheck

	cfg, err := engineconfig.Load(*configPath, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine: config:", err)
		os.Exit(1)
	}
	// CLI flags are the highest-precedence layer (spec section 6's CLI
	// surface); engineconfig.Load's own koanf layering stops at YAML/env
	// because the --port/--data-dir/--verbose names don't match the
	// config's snake_case keys, so flags explicitly set on the command
	// line are applied last, here.
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "data-dir":
			cfg.DataDir = *dataDir
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "engine: config:", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "engine: create data dir:", err)
		os.Exit(1)
	}
	logDir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "engine: create log dir:", err)
		os.Exit(1)
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("vayu_%s.log", time.Now().Format("20060102_150405")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine: open log file:", err)
		os.Exit(1)
	}
	defer logFile.Close()

	log := logger.NewWithWriter(io.MultiWriter(os.Stderr, logFile), logger.LevelFromVerbosity(cfg.Verbose))
	log.Infof("vayu engine %s starting, data-dir=%s, port=%d", version, cfg.DataDir, cfg.Port)

	lock, err := acquirePIDLock(filepath.Join(cfg.DataDir, "vayu.lock"))
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(2)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.DataDir, log.With("storage"))
	if err != nil {
		log.Errorf("open storage: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	settingsStore := settings.New(store, log.With("settings"), settings.Defaults())
	if err := settingsStore.Load(ctx); err != nil {
		log.Errorf("load settings: %v", err)
		os.Exit(1)
	}

	// Stack depth has no byte-granular meaning to otto; the configured byte
	// budget is converted to an approximate call-depth budget at a nominal
	// 512 bytes per stack frame, matching sandbox.Limits' own documented
	// approximation of this otto limitation.
	sandboxLimits := sandbox.Limits{
		MemoryBytes: cfg.Sandbox.MemoryLimit,
		StackDepth:  maxInt(cfg.Sandbox.StackLimit/512, 16),
		Timeout:     cfg.Sandbox.TimeLimit,
	}
	pool, err := sandbox.NewPool(cfg.Sandbox.PoolSize, sandboxLimits, log.With("sandbox"))
	if err != nil {
		log.Errorf("create sandbox pool: %v", err)
		os.Exit(1)
	}

	loopCfg := eventloop.Config{
		Workers:            cfg.EventLoop.Workers,
		RingCapacity:       cfg.EventLoop.RingCapacity,
		PollTimeout:        cfg.EventLoop.PollTimeout,
		MaxPerHost:         cfg.EventLoop.MaxPerHost,
		MaxGlobal:          cfg.EventLoop.MaxGlobal,
		DNSCacheTTL:        cfg.EventLoop.DNSCacheTTL,
		KeepAliveIdle:      cfg.EventLoop.KeepAliveIdle,
		KeepAliveInterval:  cfg.EventLoop.KeepAliveInterval,
		DefaultBurstFactor: cfg.EventLoop.DefaultBurstFactor,
	}
	sharedLoop, err := eventloop.New(loopCfg, log.With("eventloop"))
	if err != nil {
		log.Errorf("create shared event loop: %v", err)
		os.Exit(1)
	}
	defer sharedLoop.Stop()

	registry := prometheus.NewRegistry()

	runs := runmanager.New(store, loopCfg, pool, registry, log, nil)
	srv := controlplane.New(store, settingsStore, runs, pool, sharedLoop, registry, log.With("controlplane"))
	controlplane.Version = version
	// The manager and the control plane are mutually referential (the
	// manager publishes through a callback the server owns, the server
	// dispatches runs through the manager), so the publish callback is
	// wired in after both are built rather than passed into either
	// constructor.
	runs.SetPublish(srv.PublishFunc())

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	go func() {
		log.Infof("control plane listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("control plane: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutdown signal received")

	// Spec section 5: external shutdown stops all runs, then the control
	// plane, then flushes storage.
	runs.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("control plane shutdown: %v", err)
	}

	log.Infof("vayu engine stopped")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
