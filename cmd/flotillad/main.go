// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flotilla-dev/flotilla/lib/clock"
	"github.com/flotilla-dev/flotilla/lib/config"
	"github.com/flotilla-dev/flotilla/lib/coordinator"
	"github.com/flotilla-dev/flotilla/lib/credential"
	"github.com/flotilla-dev/flotilla/lib/ctlsock"
	"github.com/flotilla-dev/flotilla/lib/fleet"
	"github.com/flotilla-dev/flotilla/lib/manifest"
	"github.com/flotilla-dev/flotilla/lib/process"
	"github.com/flotilla-dev/flotilla/lib/proxy"
	"github.com/flotilla-dev/flotilla/lib/reconcile"
	"github.com/flotilla-dev/flotilla/lib/runtime"
	"github.com/flotilla-dev/flotilla/lib/version"
	"github.com/flotilla-dev/flotilla/lib/watchdog"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to flotilla.yaml (default: $FLOTILLA_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print("flotillad")
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// One daemon per host: concurrent daemons would race on the fleet
	// snapshot and the proxy configuration.
	lockPath := filepath.Join(cfg.Paths.State, "flotillad.lock")
	unlock, err := acquireInstanceLock(lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("flotillad starting",
		"version", version.Short(),
		"state", cfg.Paths.State,
		"port_range", fmt.Sprintf("%d-%d", cfg.Ports.Start, cfg.Ports.End),
	)
	err = daemon.coordinator.Run(ctx)
	logger.Info("flotillad stopped")
	return err
}

// daemon bundles the wired components the socket actions reach into.
type daemon struct {
	config      *config.Config
	coordinator *coordinator.Coordinator
	registry    *fleet.Registry
	allocator   *fleet.Allocator
	verifier    *manifest.Verifier
	store       *fleet.Store
	runtime     runtime.Client
}

// buildDaemon wires the full component graph from the configuration.
func buildDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	clk := clock.Real()

	store, err := fleet.Open(filepath.Join(cfg.Paths.State, "fleet.json"), logger)
	if err != nil {
		return nil, err
	}
	registry := fleet.NewRegistry(store, clk)
	allocator := fleet.NewAllocator(store, cfg.Ports.Start, cfg.Ports.End, cfg.Ports.Reserved)

	verifier := manifest.Load(cfg.Manifest.Path, logger)
	authority, err := manifest.NewAuthority(cfg.Manifest.AuthorityPublicKey)
	if err != nil {
		return nil, fmt.Errorf("configuring approval authority: %w", err)
	}

	exchange, err := credential.NewExchange(cfg.Exchange.Dir, cfg.Exchange.Recipients)
	if err != nil {
		return nil, fmt.Errorf("configuring credential exchange: %w", err)
	}

	docker := runtime.NewDockerClient("", 0)
	proxyManager := proxy.NewManager(cfg.Proxy.ConfigFile, proxy.Upstreams{
		AgentHost: cfg.Proxy.AgentHost,
		UI:        cfg.Proxy.UIUpstream,
		Manager:   cfg.Proxy.ManagerUpstream,
	}, proxy.NewNginxRunner(cfg.Proxy.Container), logger)

	coord := coordinator.New(registry, allocator, verifier, authority,
		docker, proxyManager, exchange, clk, logger, coordinator.Paths{
			Templates: cfg.Paths.Templates,
			Agents:    cfg.Paths.Agents,
			Archives:  cfg.Paths.Archives,
		})

	watchdogInterval, _ := cfg.WatchdogInterval()
	watchdogWindow, _ := cfg.WatchdogWindow()
	coord.AddTask(watchdog.New(docker, clk, logger, watchdog.Options{
		Interval:  watchdogInterval,
		Window:    watchdogWindow,
		Threshold: cfg.Watchdog.Threshold,
		Alert: func(containerName string, crashes int, window time.Duration) {
			logger.Error("CRITICAL: container stopped for crash-looping",
				"container", containerName, "crashes", crashes, "window", window)
		},
	}))

	reconcileInterval, _ := cfg.ReconcileInterval()
	coord.AddTask(reconcile.New(registry, docker, clk, logger, reconcile.Options{
		Interval:   reconcileInterval,
		PullImages: cfg.Reconcile.PullImages,
	}))

	d := &daemon{
		config:      cfg,
		coordinator: coord,
		registry:    registry,
		allocator:   allocator,
		verifier:    verifier,
		store:       store,
		runtime:     docker,
	}

	control := ctlsock.NewServer(cfg.Paths.Socket, logger)
	d.registerActions(control)
	coord.SetControl(control)

	return d, nil
}

// acquireInstanceLock takes an exclusive non-blocking flock on the
// lock file. The lock is held for the process lifetime; the kernel
// releases it if the daemon dies without cleanup.
func acquireInstanceLock(path string) (func(), error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("another flotillad instance holds %s", path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return func() {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}, nil
}
