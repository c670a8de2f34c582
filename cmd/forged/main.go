// Forged is the ClientForge platform daemon.
//
// The binary wires the shared infrastructure (SQLite store, NATS job queue,
// event bus, feature flags), registers the built-in modules with the kernel,
// drives the dependency-ordered startup sequence, and serves the platform
// HTTP API.
//
// Configuration is loaded from ~/.config/forged/config.yaml and FORGED_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	forged
//
//	# Configure via environment
//	FORGED_SERVER_PORT=9000 FORGED_JOBS_URL=nats://localhost:4222 forged
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/clientforge/forged/internal/audit"
	"github.com/clientforge/forged/internal/config"
	"github.com/clientforge/forged/internal/eventbus"
	"github.com/clientforge/forged/internal/featureflag"
	httpapi "github.com/clientforge/forged/internal/http"
	"github.com/clientforge/forged/internal/jobs"
	"github.com/clientforge/forged/internal/kernel"
	"github.com/clientforge/forged/internal/logging"
	"github.com/clientforge/forged/internal/module"
	"github.com/clientforge/forged/internal/store"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  forged           Start the forged daemon\n")
			fmt.Fprintf(os.Stderr, "  forged version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("forged by ClientForge\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// builtinModules returns the modules every forged instance ships with.
// Feature modules are added here as they are promoted into the platform.
func builtinModules() []module.Module {
	return []module.Module{
		audit.New(),
	}
}

// run starts the forged daemon and blocks until the context is cancelled.
//
// Startup sequence:
//  1. Load and validate configuration
//  2. Initialize the structured logger
//  3. Open infrastructure handles (store, job queue, bus, flags)
//  4. Create the kernel and the HTTP server, wire the module surface group
//  5. Register built-in modules and resolve the load order
//  6. InitializeAll, then AttachSurfaces (surfaces go live only after the
//     whole graph is up)
//  7. Start the flag file watcher when configured
//  8. Serve until SIGINT/SIGTERM, then tear down in reverse
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting forged",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port))

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()
	logger.Info("store opened", zap.String("path", st.Path()))

	queue, err := jobs.Connect(cfg.Jobs, logger.Named("jobs"))
	if err != nil {
		return fmt.Errorf("failed to connect job queue: %w", err)
	}
	defer queue.Close()
	logger.Info("job queue connected", zap.String("url", cfg.Jobs.URL))

	bus := eventbus.New(logger.Named("eventbus"))

	flags := featureflag.NewEvaluator(logger.Named("flags"))
	for name, def := range cfg.Flags.Definitions {
		if err := flags.Register(name, featureflag.Flag{
			Enabled: def.Enabled,
			Rollout: def.Rollout,
			Tenants: def.Tenants,
			Users:   def.Users,
		}); err != nil {
			return fmt.Errorf("invalid flag %q: %w", name, err)
		}
	}

	k := kernel.New(cfg.Kernel, kernel.Deps{
		Store: st,
		Jobs:  queue,
		Bus:   bus,
		Flags: flags,
		Log:   logger,
		Env:   cfg.Environment,
		App:   cfg.App,
	})

	srv, err := httpapi.NewServer(cfg.Server, k, flags, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	k.SetSurface(srv.API())

	for _, m := range builtinModules() {
		if err := k.Register(m); err != nil {
			return fmt.Errorf("failed to register module: %w", err)
		}
	}

	order, err := k.ResolveLoadOrder()
	if err != nil {
		return fmt.Errorf("failed to resolve load order: %w", err)
	}
	logger.Info("load order resolved", zap.Strings("order", order))

	// A failed startup still tears down whatever came up. Partial cleanup
	// after an initialization failure is the host's responsibility.
	kernelDown := func() {
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.Kernel.ShutdownTimeout.Duration())
		defer cancel()
		k.ShutdownAll(shCtx)
	}

	if err := k.InitializeAll(ctx); err != nil {
		kernelDown()
		return fmt.Errorf("module initialization failed: %w", err)
	}
	if err := k.AttachSurfaces(ctx); err != nil {
		kernelDown()
		return fmt.Errorf("surface attachment failed: %w", err)
	}

	var watcher *featureflag.Watcher
	if cfg.Flags.File != "" {
		watcher, err = featureflag.NewWatcher(cfg.Flags.File, flags, logger.Named("flags"))
		if err != nil {
			kernelDown()
			return fmt.Errorf("failed to create flag watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			kernelDown()
			return fmt.Errorf("failed to start flag watcher: %w", err)
		}
		logger.Info("watching flag definitions", zap.String("file", cfg.Flags.File))
	}

	logger.Info("forged ready",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Int("modules", len(order)))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			kernelDown()
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	// Teardown mirrors startup in reverse: stop accepting requests, stop
	// the watcher, shut the module graph down, drain in-flight jobs. The
	// store closes via defer and the logger syncs last.
	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if watcher != nil {
		watcher.Stop()
	}
	k.ShutdownAll(shCtx)
	if err := queue.Drain(shCtx); err != nil {
		logger.Warn("job queue drain failed", zap.Error(err))
	}

	return nil
}
