// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile re-asserts desired container state for every
// registered agent. Each tick is a full pass, not a diff: for each
// registry record it optionally refreshes the image, checks the unit
// file on disk against the registered fingerprint, and issues an
// idempotent "up" for the agent's unit. Re-assertion is idempotent by
// construction, so a missed or duplicated tick is harmless.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/flotilla-dev/flotilla/lib/clock"
	"github.com/flotilla-dev/flotilla/lib/fleet"
	"github.com/flotilla-dev/flotilla/lib/unit"
)

// Registry is the slice of the fleet registry the reconciler reads.
type Registry interface {
	List() []fleet.AgentRecord
}

// Runtime is the slice of the container runtime the reconciler drives.
type Runtime interface {
	Pull(ctx context.Context, unitPath, project string) error
	Up(ctx context.Context, unitPath, project string) error
}

// Options configure a Reconciler. Zero values select the defaults.
type Options struct {
	// Interval between passes.
	Interval time.Duration
	// PullImages refreshes each agent's image before the up.
	PullImages bool
}

// Reconciler periodically converges running containers to the
// registry's desired state.
type Reconciler struct {
	registry Registry
	runtime  Runtime
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	pull     bool
}

// New returns a Reconciler over the given registry and runtime.
func New(registry Registry, rt Runtime, clk clock.Clock, logger *slog.Logger, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &Reconciler{
		registry: registry,
		runtime:  rt,
		clock:    clk,
		logger:   logger,
		interval: opts.Interval,
		pull:     opts.PullImages,
	}
}

// Run reconciles until ctx is cancelled. Each pass completes before
// the next is scheduled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started", "interval", r.interval, "pull_images", r.pull)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-r.clock.After(r.interval):
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs one pass over every registered agent. An error for
// one agent is logged and does not abort the rest of the pass.
func (r *Reconciler) Reconcile(ctx context.Context) {
	agents := r.registry.List()
	for _, agent := range agents {
		if ctx.Err() != nil {
			return
		}
		r.reconcileAgent(ctx, agent)
	}
	r.logger.Debug("reconcile pass complete", "agents", len(agents))
}

func (r *Reconciler) reconcileAgent(ctx context.Context, agent fleet.AgentRecord) {
	project := unit.ContainerName(agent.AgentID)

	// The fingerprint records what the coordinator last wrote. A
	// mismatch means someone edited the unit file by hand; the edited
	// file still wins (the file is the desired state), but loudly.
	if agent.UnitFingerprint != "" {
		current, err := unit.FingerprintFile(agent.UnitFilePath)
		switch {
		case err != nil:
			r.logger.Warn("reading unit file for drift check failed",
				"agent", agent.AgentID, "path", agent.UnitFilePath, "error", err)
		case current != agent.UnitFingerprint:
			r.logger.Warn("unit file drifted from registered definition",
				"agent", agent.AgentID, "path", agent.UnitFilePath)
		}
	}

	if r.pull {
		if err := r.runtime.Pull(ctx, agent.UnitFilePath, project); err != nil {
			// A stale image is not worth skipping the up; the local
			// image still runs.
			r.logger.Warn("image refresh failed", "agent", agent.AgentID, "error", err)
		}
	}

	if err := r.runtime.Up(ctx, agent.UnitFilePath, project); err != nil {
		r.logger.Error("reconciling agent failed", "agent", agent.AgentID, "error", err)
	}
}
