// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/flotilla-dev/flotilla/lib/fleet"
)

// ErrValidateFailed is the validation error for a candidate
// configuration the proxy's own syntax check rejected. The previously
// committed configuration remains authoritative.
var ErrValidateFailed = errors.New("proxy configuration validation failed")

// Runner is the control surface of the live proxy process. Stage
// transfers a candidate configuration into the proxy's execution
// context, CheckSyntax invokes the proxy's own syntax check against
// the staged candidate, and Reload applies the installed configuration
// without dropping connections. All three are external-process calls
// with bounded timeouts; a timeout is a failure.
type Runner interface {
	Stage(ctx context.Context, candidatePath string) error
	CheckSyntax(ctx context.Context) error
	Reload(ctx context.Context) error
}

// Manager owns the rendered proxy configuration file and its
// deployment pipeline: generate, validate against the running proxy,
// back up, commit, reload, and roll back on failure.
type Manager struct {
	configPath string
	backupPath string
	upstreams  Upstreams
	runner     Runner
	logger     *slog.Logger

	// deployMu serializes deployments. Two concurrent agent creations
	// both redeploy the full routing table; interleaving their
	// stage/validate/commit steps would let an invalid intermediate
	// win.
	deployMu sync.Mutex
}

// NewManager returns a Manager deploying to configPath through the
// given runner. The backup lives next to the config file.
func NewManager(configPath string, upstreams Upstreams, runner Runner, logger *slog.Logger) *Manager {
	if upstreams.AgentHost == "" {
		upstreams.AgentHost = "127.0.0.1"
	}
	return &Manager{
		configPath: configPath,
		backupPath: configPath + ".backup",
		upstreams:  upstreams,
		runner:     runner,
		logger:     logger,
	}
}

// UpdateConfig runs the full pipeline for the given agent set:
// generate the complete configuration, validate it against the running
// proxy, back up the current file, install the candidate, and reload.
// On failure at any step the previously committed configuration is
// left untouched (restored from backup when the failure happens after
// install).
func (m *Manager) UpdateConfig(ctx context.Context, agents []fleet.AgentRecord) error {
	m.deployMu.Lock()
	defer m.deployMu.Unlock()

	candidate := Generate(agents, m.upstreams)

	// Write the candidate beside the target so validation sees exactly
	// the bytes that would be committed.
	candidatePath := m.configPath + ".candidate"
	if err := os.MkdirAll(filepath.Dir(candidatePath), 0755); err != nil {
		return fmt.Errorf("creating proxy config directory: %w", err)
	}
	if err := os.WriteFile(candidatePath, []byte(candidate), 0644); err != nil {
		return fmt.Errorf("writing candidate proxy config: %w", err)
	}
	defer os.Remove(candidatePath)

	if err := m.runner.Stage(ctx, candidatePath); err != nil {
		return fmt.Errorf("staging candidate proxy config: %w", err)
	}
	if err := m.runner.CheckSyntax(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrValidateFailed, err)
	}

	// Validation passed. Back up the current file (if any) before the
	// candidate replaces it.
	hadPrevious, err := m.backupCurrent()
	if err != nil {
		return err
	}

	// Install by rewriting the target in place. The proxy container
	// bind-mounts this single file, and a rename would swap the host
	// inode out from under the mount, leaving the proxy reloading the
	// stale original forever.
	if err := os.WriteFile(m.configPath, []byte(candidate), 0644); err != nil {
		return fmt.Errorf("installing proxy config: %w", err)
	}

	if err := m.runner.Reload(ctx); err != nil {
		// The installed candidate failed to apply. Put the previous
		// configuration back so the file matches what the proxy still
		// runs.
		m.restoreBackup(hadPrevious)
		return fmt.Errorf("reloading proxy: %w", err)
	}

	m.logger.Info("proxy configuration deployed", "agents", len(agents), "path", m.configPath)
	return nil
}

// RemoveAgentRoutes redeploys the routing table for the remaining
// agent set. It is UpdateConfig by another name, kept for call-site
// clarity in delete workflows.
func (m *Manager) RemoveAgentRoutes(ctx context.Context, agentID string, remaining []fleet.AgentRecord) error {
	m.logger.Info("removing agent routes", "agent", agentID)
	return m.UpdateConfig(ctx, remaining)
}

// CurrentConfig returns the committed configuration file content, or
// "" when none has been deployed yet.
func (m *Manager) CurrentConfig() (string, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading proxy config: %w", err)
	}
	return string(data), nil
}

// ConfigPath returns the committed configuration file path.
func (m *Manager) ConfigPath() string { return m.configPath }

// backupCurrent copies the committed configuration to the backup
// path. Returns false when no configuration exists yet (first deploy).
func (m *Manager) backupCurrent() (bool, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading current proxy config for backup: %w", err)
	}
	if err := os.WriteFile(m.backupPath, data, 0644); err != nil {
		return false, fmt.Errorf("writing proxy config backup: %w", err)
	}
	return true, nil
}

// restoreBackup reinstates the backed-up configuration after a failed
// reload. When there was no previous configuration, the broken
// candidate is removed instead. Restore failures are logged, not
// returned — the caller is already propagating the reload failure.
func (m *Manager) restoreBackup(hadPrevious bool) {
	if !hadPrevious {
		if err := os.Remove(m.configPath); err != nil && !os.IsNotExist(err) {
			m.logger.Error("removing failed first proxy config", "path", m.configPath, "error", err)
		}
		return
	}
	data, err := os.ReadFile(m.backupPath)
	if err != nil {
		m.logger.Error("reading proxy config backup for restore", "path", m.backupPath, "error", err)
		return
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		m.logger.Error("restoring proxy config backup", "path", m.configPath, "error", err)
	}
}
