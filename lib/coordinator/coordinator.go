// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator implements the fleet workflows: agent creation,
// agent deletion, and the daemon lifecycle that runs the watchdog,
// the reconciler, and the control socket. Within one workflow the
// steps run strictly in order because each step's success is the next
// step's precondition; failures unwind the completed steps in reverse.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flotilla-dev/flotilla/lib/archive"
	"github.com/flotilla-dev/flotilla/lib/clock"
	"github.com/flotilla-dev/flotilla/lib/credential"
	"github.com/flotilla-dev/flotilla/lib/fleet"
	"github.com/flotilla-dev/flotilla/lib/manifest"
	"github.com/flotilla-dev/flotilla/lib/runtime"
	"github.com/flotilla-dev/flotilla/lib/template"
	"github.com/flotilla-dev/flotilla/lib/unit"
)

// unitFileName is the unit definition's name inside each agent
// directory.
const unitFileName = "compose.yaml"

// Proxy is the slice of the proxy manager the coordinator drives.
type Proxy interface {
	UpdateConfig(ctx context.Context, agents []fleet.AgentRecord) error
	RemoveAgentRoutes(ctx context.Context, agentID string, remaining []fleet.AgentRecord) error
}

// Task is a background loop owned by the daemon lifecycle.
type Task interface {
	Run(ctx context.Context)
}

// Control is the management surface served while Run blocks.
type Control interface {
	Serve(ctx context.Context) error
}

// Paths are the directories the coordinator works in.
type Paths struct {
	// Templates holds the template files.
	Templates string

	// Agents holds one private directory per agent.
	Agents string

	// Archives receives .tar.zst captures of deleted agents.
	Archives string
}

// Coordinator owns the create and delete workflows.
type Coordinator struct {
	registry  *fleet.Registry
	allocator *fleet.Allocator
	verifier  *manifest.Verifier
	authority *manifest.Authority
	runtime   runtime.Client
	proxy     Proxy
	exchange  *credential.Exchange
	clock     clock.Clock
	logger    *slog.Logger
	paths     Paths

	// createMu serializes agent-ID derivation through registration.
	// Slug collision handling probes the registry and then registers
	// later; two concurrent creations of the same display name must not
	// both win the probe. It is released before the proxy deploy and
	// container start so creations of different agents do not serialize
	// on external processes.
	createMu sync.Mutex

	tasks   []Task
	control Control
}

// New returns a Coordinator. The authority and exchange may be nil
// (per-request approvals disabled, credential provisioning disabled).
func New(
	registry *fleet.Registry,
	allocator *fleet.Allocator,
	verifier *manifest.Verifier,
	authority *manifest.Authority,
	rt runtime.Client,
	proxy Proxy,
	exchange *credential.Exchange,
	clk clock.Clock,
	logger *slog.Logger,
	paths Paths,
) *Coordinator {
	return &Coordinator{
		registry:  registry,
		allocator: allocator,
		verifier:  verifier,
		authority: authority,
		runtime:   rt,
		proxy:     proxy,
		exchange:  exchange,
		clock:     clk,
		logger:    logger,
		paths:     paths,
	}
}

// AddTask registers a background loop started by Run.
func (c *Coordinator) AddTask(task Task) {
	c.tasks = append(c.tasks, task)
}

// SetControl registers the management surface served by Run.
func (c *Coordinator) SetControl(control Control) {
	c.control = control
}

// CreateRequest is the input to CreateAgent.
type CreateRequest struct {
	// TemplateName selects the agent template.
	TemplateName string

	// DisplayName is the human-facing agent name; the agent ID is
	// derived from it.
	DisplayName string

	// Environment holds extra environment variables, merged over the
	// template's defaults.
	Environment map[string]string

	// ApprovalSignature authorizes a template the manifest does not
	// pre-approve: a base64 ed25519 signature by the configured
	// authority over the template name and checksum.
	ApprovalSignature string
}

// CreateResult describes a created agent.
type CreateResult struct {
	AgentID  string
	Port     int
	Endpoint string
	Status   string
}

// CreateAgent runs the creation workflow: verify approval, allocate a
// port, render and write the unit, provision the bootstrap credential,
// register, reroute the proxy, and start the container. A failure at
// any step unwinds everything the workflow already did.
func (c *Coordinator) CreateAgent(ctx context.Context, request CreateRequest) (CreateResult, error) {
	if strings.TrimSpace(request.DisplayName) == "" {
		return CreateResult{}, fmt.Errorf("creating agent: empty display name")
	}

	templatePath, err := template.Resolve(c.paths.Templates, request.TemplateName)
	if err != nil {
		return CreateResult{}, fmt.Errorf("creating agent: %w", err)
	}

	// Approval gate. Nothing is allocated before this passes.
	if err := c.checkApproval(request.TemplateName, templatePath, request.ApprovalSignature); err != nil {
		return CreateResult{}, err
	}

	content, err := template.ReadFile(templatePath)
	if err != nil {
		return CreateResult{}, fmt.Errorf("creating agent: %w", err)
	}

	c.createMu.Lock()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			c.createMu.Unlock()
		}
	}
	defer unlock()

	agentID, err := c.deriveAgentID(request.DisplayName)
	if err != nil {
		return CreateResult{}, err
	}

	port, err := c.allocator.Allocate(agentID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("creating agent %q: %w", agentID, err)
	}

	// Everything past the allocation registers an unwind step.
	var unwind []func()
	fail := func(cause error) (CreateResult, error) {
		for i := len(unwind) - 1; i >= 0; i-- {
			unwind[i]()
		}
		c.allocator.Release(agentID)
		return CreateResult{}, cause
	}

	agentDir := filepath.Join(c.paths.Agents, agentID)
	if err := os.MkdirAll(agentDir, 0755); err != nil {
		return fail(fmt.Errorf("creating agent directory: %w", err))
	}
	unwind = append(unwind, func() { os.RemoveAll(agentDir) })

	environment := make(map[string]string, len(content.Environment)+len(request.Environment))
	for key, value := range content.Environment {
		environment[key] = value
	}
	for key, value := range request.Environment {
		environment[key] = value
	}

	definition := unit.Render(unit.Params{
		AgentID:      agentID,
		DisplayName:  request.DisplayName,
		Port:         port,
		TemplateName: request.TemplateName,
		Image:        content.Image,
		AgentDir:     agentDir,
		ExchangeDir:  c.exchangeDir(),
		Environment:  environment,
		MockLLM:      content.MockLLM,
	})
	unitPath := filepath.Join(agentDir, unitFileName)
	if err := unit.Write(definition, unitPath); err != nil {
		return fail(fmt.Errorf("writing unit for %q: %w", agentID, err))
	}
	fingerprint, err := unit.Fingerprint(definition)
	if err != nil {
		return fail(fmt.Errorf("fingerprinting unit for %q: %w", agentID, err))
	}

	if _, err := c.exchange.Provision(agentID); err != nil {
		return fail(fmt.Errorf("provisioning credential for %q: %w", agentID, err))
	}
	unwind = append(unwind, func() {
		if err := c.exchange.Remove(agentID); err != nil {
			c.logger.Warn("credential cleanup failed", "agent", agentID, "error", err)
		}
	})

	record, err := c.registry.Register(fleet.AgentRecord{
		AgentID:         agentID,
		DisplayName:     request.DisplayName,
		Port:            port,
		TemplateName:    request.TemplateName,
		UnitFilePath:    unitPath,
		UnitFingerprint: fingerprint,
	})
	if err != nil {
		return fail(fmt.Errorf("registering agent %q: %w", agentID, err))
	}
	unwind = append(unwind, func() {
		if _, err := c.registry.Unregister(agentID); err != nil {
			c.logger.Warn("registry cleanup failed", "agent", agentID, "error", err)
		}
	})

	// The ID is registered, so concurrent creations probing for slug
	// collisions now see it. The proxy deploy and container start below
	// are external-process calls and run unlocked; the proxy manager
	// has its own deployment mutex.
	unlock()

	// The route must be live and validated before the container ever
	// starts: traffic routing correctness gates container startup, not
	// the other way around.
	if err := c.proxy.UpdateConfig(ctx, c.registry.List()); err != nil {
		return fail(fmt.Errorf("routing agent %q: %w", agentID, err))
	}

	project := unit.ContainerName(agentID)
	if err := c.runtime.Up(ctx, unitPath, project); err != nil {
		result, failErr := fail(fmt.Errorf("starting agent %q: %w", agentID, err))
		// The deployed config still routes the dead agent; redeploy
		// for the surviving set.
		if redeployErr := c.proxy.UpdateConfig(ctx, c.registry.List()); redeployErr != nil {
			c.logger.Error("proxy redeploy after failed start failed",
				"agent", agentID, "error", redeployErr)
		}
		return result, failErr
	}

	c.logger.Info("agent created",
		"agent", agentID, "template", request.TemplateName, "port", port)
	return CreateResult{
		AgentID:  record.AgentID,
		Port:     record.Port,
		Endpoint: "/api/" + record.AgentID + "/",
		Status:   "running",
	}, nil
}

// checkApproval admits a template that the signed manifest
// pre-approves, or one carrying a valid per-request authority
// signature. Everything else is rejected before any resource is
// allocated.
func (c *Coordinator) checkApproval(templateName, templatePath, signature string) error {
	if c.verifier.IsPreApproved(templateName, templatePath) {
		return nil
	}
	checksum, err := manifest.TemplateChecksum(templatePath)
	if err != nil {
		return fmt.Errorf("checksumming template %q: %w", templateName, err)
	}
	if err := c.authority.VerifyApproval(templateName, checksum, signature); err != nil {
		return fmt.Errorf("template %q: %w", templateName, err)
	}
	return nil
}

// deriveAgentID slugifies the display name and resolves collisions
// with a numeric suffix.
func (c *Coordinator) deriveAgentID(displayName string) (string, error) {
	slug := Slugify(displayName)
	if slug == "" {
		return "", fmt.Errorf("creating agent: display name %q yields an empty identifier", displayName)
	}

	candidate := slug
	for suffix := 2; ; suffix++ {
		_, err := c.registry.Get(candidate)
		if errors.Is(err, fleet.ErrAgentNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("probing agent ID %q: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s-%d", slug, suffix)
	}
}

// DeleteAgent runs the deletion workflow: stop and tear down the
// container, reroute the proxy for the remaining agents, release the
// port and the registration, drop the bootstrap credential, and
// archive the agent directory before removing it.
func (c *Coordinator) DeleteAgent(ctx context.Context, agentID string) error {
	record, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}

	containerName := unit.ContainerName(agentID)

	// Container teardown failures are logged, not fatal: the container
	// may already be gone, and a vanished container must not make the
	// agent undeletable.
	if err := c.runtime.Stop(ctx, containerName); err != nil {
		c.logger.Warn("stopping container failed", "agent", agentID, "error", err)
	}
	if err := c.runtime.Down(ctx, record.UnitFilePath, containerName); err != nil {
		c.logger.Warn("tearing down container failed", "agent", agentID, "error", err)
	}

	// Reroute before releasing metadata: the proxy must stop sending
	// traffic at a port that is about to be reallocated.
	remaining := withoutAgent(c.registry.List(), agentID)
	if err := c.proxy.RemoveAgentRoutes(ctx, agentID, remaining); err != nil {
		return fmt.Errorf("deleting agent %q: %w", agentID, err)
	}

	c.allocator.Release(agentID)
	if _, err := c.registry.Unregister(agentID); err != nil {
		return fmt.Errorf("deleting agent %q: %w", agentID, err)
	}
	if err := c.exchange.Remove(agentID); err != nil {
		c.logger.Warn("removing credential failed", "agent", agentID, "error", err)
	}

	agentDir := filepath.Join(c.paths.Agents, agentID)
	if _, err := os.Stat(agentDir); err == nil {
		archivePath, err := archive.Create(agentDir, c.paths.Archives, c.clock.Now())
		if err != nil {
			return fmt.Errorf("archiving agent %q: %w", agentID, err)
		}
		if err := os.RemoveAll(agentDir); err != nil {
			return fmt.Errorf("removing agent directory for %q: %w", agentID, err)
		}
		c.logger.Info("agent deleted", "agent", agentID, "archive", archivePath)
	} else {
		c.logger.Info("agent deleted", "agent", agentID)
	}
	return nil
}

// Run starts the registered background tasks and serves the control
// surface until ctx is cancelled, then stops everything in reverse
// order: control first (no new work), then the loops.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, task := range c.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			task.Run(runCtx)
		}(task)
	}

	var serveErr error
	if c.control != nil {
		serveErr = c.control.Serve(runCtx)
	} else {
		<-runCtx.Done()
	}

	cancel()
	wg.Wait()
	return serveErr
}

func (c *Coordinator) exchangeDir() string {
	// The unit mounts the exchange directory; with provisioning
	// disabled there is nothing to mount.
	if c.exchange == nil {
		return ""
	}
	return c.exchange.Dir()
}

func withoutAgent(agents []fleet.AgentRecord, agentID string) []fleet.AgentRecord {
	remaining := agents[:0]
	for _, agent := range agents {
		if agent.AgentID != agentID {
			remaining = append(remaining, agent)
		}
	}
	return remaining
}

// Slugify derives a lowercase URL-safe identifier from a display
// name. Runs of characters outside [a-z0-9] collapse to single
// hyphens; leading and trailing hyphens are trimmed.
func Slugify(displayName string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(displayName) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
