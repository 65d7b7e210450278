package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/fleetd/internal/ability"
	"github.com/mtzanidakis/fleetd/internal/actor"
	"github.com/mtzanidakis/fleetd/internal/batch"
	"github.com/mtzanidakis/fleetd/internal/config"
	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/fleet"
	"github.com/mtzanidakis/fleetd/internal/natsbus"
	"github.com/mtzanidakis/fleetd/internal/ratelimit"
	"github.com/mtzanidakis/fleetd/internal/vault"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("fleetd %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: fleetd <command>\n\nCommands:\n  gateway    Start the fleetd gateway service\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting fleetd gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Agent directory (sqlite)
	dir, err := directory.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init directory: %w", err)
	}
	defer dir.Close()
	slog.Info("directory initialized", "path", cfg.Store.Path)

	// Fleet manager consumes this; must exist before any mutation so no
	// change event is lost.
	events := dir.Watch()

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats client: %w", err)
	}
	defer client.Close()
	dir.SetBus(client)

	// Credential resolution for agent LLM configs
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
	} else {
		slog.Warn("vault passphrase not set, vault: credential references disabled")
	}
	creds := vault.NewResolver(dir, v, cfg.LLM.APIKey)

	// Ability registry
	abilities := ability.NewRegistry(cfg.Abilities.AllowedNamespaces)
	if err := ability.RegisterBuiltins(abilities); err != nil {
		return fmt.Errorf("register builtin abilities: %w", err)
	}

	// Actor registry and fleet manager
	registry := actor.NewRegistry(abilities, creds, dir)
	mgr := fleet.New(dir, registry, events, fleet.NewFlapPolicy(cfg.Fleet))
	mgr.SetBus(client)
	if err := mgr.Sync(); err != nil {
		return fmt.Errorf("sync fleet: %w", err)
	}

	fleetDone := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(fleetDone)
	}()
	slog.Info("fleet manager started")

	// Rate limiter and batch orchestration
	limiter := ratelimit.New(cfg.RateLimit)
	orch := batch.New(dir, registry, limiter, cfg.Batch)
	orch.SetBus(client)

	ctrl := batch.NewController(orch, client)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start batch controller: %w", err)
	}
	defer ctrl.Stop()
	slog.Info("batch controller started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	// Fleet drains its actors before exiting.
	<-fleetDone
	return nil
}
