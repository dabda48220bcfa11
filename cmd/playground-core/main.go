// Command playground-core runs the execution and lifecycle core as a
// single background process: the build engine, warm pool, run executor,
// idle controller, retention reconciler, artifact collector, and LLM
// metrics collector, all sharing one set of JSON-file metadata stores.
// The HTTP transport that fronts these components is external (spec.md
// §6) and is not started here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/psschwei/mellea-playground-core/internal/composition"
	"github.com/psschwei/mellea-playground-core/internal/config"
	"github.com/psschwei/mellea-playground-core/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env overrides and defaults apply regardless)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	app, err := composition.New(cfg, log)
	if err != nil {
		return fmt.Errorf("wiring core: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting playground core",
		"build_backend", cfg.Build.Backend,
		"data_dir", cfg.Storage.DataDir,
	)
	app.Start(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	app.Stop()
	return nil
}
