// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog contains the crash-loop detector for managed agent
// containers. It is a level-triggered anomaly detector over a sliding
// window: each poll observes container states, records fresh non-zero
// exits, prunes events older than the window, and stops a container
// exactly once when the pruned count reaches the threshold. A stopped
// container stays stopped until an operator intervenes; the watchdog
// detects and contains, it does not heal.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/flotilla-dev/flotilla/lib/clock"
	"github.com/flotilla-dev/flotilla/lib/runtime"
)

// Runtime is the slice of the container runtime the watchdog needs.
type Runtime interface {
	List(ctx context.Context) ([]runtime.ContainerState, error)
	Stop(ctx context.Context, containerName string) error
}

// AlertFunc receives critical alerts when a container is stopped for
// crash-looping. Implementations must not block.
type AlertFunc func(containerName string, crashes int, window time.Duration)

// Crash is one observed non-zero container exit.
type Crash struct {
	Time     time.Time
	ExitCode int
}

// tracker holds per-container crash history. Trackers are in-memory
// only; a daemon restart clears history, which errs toward leniency.
type tracker struct {
	crashes []Crash
	stopped bool

	// lastExitStart is the StartedAt of the most recently counted
	// crash. The runtime restarts crashed containers, so each crash
	// carries a distinct start time; comparing it keeps one exit from
	// being counted again on every subsequent poll.
	lastExitStart time.Time
}

// Watchdog polls managed container states and contains crash loops.
type Watchdog struct {
	runtime   Runtime
	clock     clock.Clock
	logger    *slog.Logger
	alert     AlertFunc
	interval  time.Duration
	window    time.Duration
	threshold int

	trackers map[string]*tracker
}

// Options configure a Watchdog. Zero values select the defaults.
type Options struct {
	// Interval between polls.
	Interval time.Duration
	// Window is how long a crash stays relevant.
	Window time.Duration
	// Threshold is the in-window crash count that triggers a stop.
	Threshold int
	// Alert receives critical notifications. Optional.
	Alert AlertFunc
}

// New returns a Watchdog over the given runtime.
func New(rt Runtime, clk clock.Clock, logger *slog.Logger, opts Options) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Minute
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	return &Watchdog{
		runtime:   rt,
		clock:     clk,
		logger:    logger,
		alert:     opts.Alert,
		interval:  opts.Interval,
		window:    opts.Window,
		threshold: opts.Threshold,
		trackers:  make(map[string]*tracker),
	}
}

// Run polls until ctx is cancelled. Each tick runs to completion
// before the next is scheduled, so a slow runtime never piles up
// concurrent polls.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("watchdog started",
		"interval", w.interval, "window", w.window, "threshold", w.threshold)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-w.clock.After(w.interval):
			w.Poll(ctx)
		}
	}
}

// Poll runs one observation pass. Exported so the coordinator can
// force a pass right after startup.
func (w *Watchdog) Poll(ctx context.Context) {
	states, err := w.runtime.List(ctx)
	if err != nil {
		w.logger.Warn("watchdog container listing failed", "error", err)
		return
	}
	now := w.clock.Now()
	present := make(map[string]struct{}, len(states))
	for _, state := range states {
		present[state.Name] = struct{}{}
		w.observe(ctx, state, now)
	}
	// Drop trackers for containers that no longer exist. An agent
	// deleted and later recreated under the same name must start with a
	// clean history, not inherit the old container's stopped flag.
	for name := range w.trackers {
		if _, ok := present[name]; !ok {
			delete(w.trackers, name)
		}
	}
}

func (w *Watchdog) observe(ctx context.Context, state runtime.ContainerState, now time.Time) {
	tr := w.trackers[state.Name]
	if tr == nil {
		tr = &tracker{}
		w.trackers[state.Name] = tr
	}
	if tr.stopped {
		return
	}

	if state.Exited() && state.ExitCode != 0 && !state.StartedAt.Equal(tr.lastExitStart) {
		tr.crashes = append(tr.crashes, Crash{Time: now, ExitCode: state.ExitCode})
		tr.lastExitStart = state.StartedAt
		w.logger.Warn("agent container crashed",
			"container", state.Name, "exit_code", state.ExitCode,
			"crashes_in_window", len(tr.crashes))
	}

	// Prune before comparing: an aged-out burst must never trigger an
	// intervention it did not trigger when fresh.
	tr.crashes = pruneOlderThan(tr.crashes, now.Add(-w.window))

	if len(tr.crashes) < w.threshold {
		return
	}

	w.logger.Error("crash loop detected, stopping container",
		"container", state.Name, "crashes", len(tr.crashes), "window", w.window)
	if err := w.runtime.Stop(ctx, state.Name); err != nil {
		// Leave the tracker armed so the next tick retries the stop.
		w.logger.Error("stopping crash-looping container failed",
			"container", state.Name, "error", err)
		return
	}
	tr.stopped = true
	if w.alert != nil {
		w.alert(state.Name, len(tr.crashes), w.window)
	}
}

// CrashCount returns the current in-window crash count for a
// container, pruning first.
func (w *Watchdog) CrashCount(containerName string) int {
	tr := w.trackers[containerName]
	if tr == nil {
		return 0
	}
	tr.crashes = pruneOlderThan(tr.crashes, w.clock.Now().Add(-w.window))
	return len(tr.crashes)
}

// Stopped reports whether the watchdog has stopped the container.
func (w *Watchdog) Stopped(containerName string) bool {
	tr := w.trackers[containerName]
	return tr != nil && tr.stopped
}

func pruneOlderThan(crashes []Crash, cutoff time.Time) []Crash {
	kept := crashes[:0]
	for _, c := range crashes {
		if !c.Time.Before(cutoff) {
			kept = append(kept, c)
		}
	}
	return kept
}
