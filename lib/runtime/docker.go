// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// defaultCommandTimeout bounds every runtime invocation. Compose "up"
// with an image pull can be slow; everything else finishes in seconds.
// A timed-out call is a failure, never success-by-default.
const defaultCommandTimeout = 2 * time.Minute

// DockerClient is the production Client, shelling out to the docker
// CLI (and its compose plugin) as external processes.
type DockerClient struct {
	binary  string
	timeout time.Duration
}

// NewDockerClient returns a client using the given docker binary path
// (empty means "docker" from PATH) and per-call timeout (zero means
// the default).
func NewDockerClient(binary string, timeout time.Duration) *DockerClient {
	if binary == "" {
		binary = "docker"
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &DockerClient{binary: binary, timeout: timeout}
}

// Pull refreshes the unit's image via "docker compose pull".
func (c *DockerClient) Pull(ctx context.Context, unitPath, project string) error {
	_, err := c.run(ctx, "compose", "-f", unitPath, "-p", project, "pull")
	return err
}

// Up asserts the unit's desired state via "docker compose up -d".
// Compose recreates the container only when the definition changed,
// so repeated calls are harmless.
func (c *DockerClient) Up(ctx context.Context, unitPath, project string) error {
	_, err := c.run(ctx, "compose", "-f", unitPath, "-p", project, "up", "-d")
	return err
}

// Stop halts one container, leaving its definition and volumes in
// place.
func (c *DockerClient) Stop(ctx context.Context, containerName string) error {
	_, err := c.run(ctx, "stop", containerName)
	return err
}

// Down tears the unit fully down including volumes.
func (c *DockerClient) Down(ctx context.Context, unitPath, project string) error {
	_, err := c.run(ctx, "compose", "-f", unitPath, "-p", project, "down", "-v")
	return err
}

// inspectState is the subset of "docker inspect" State output this
// package reads.
type inspectState struct {
	Status    string `json:"Status"`
	Running   bool   `json:"Running"`
	ExitCode  int    `json:"ExitCode"`
	StartedAt string `json:"StartedAt"`
}

// Inspect queries one container's live state.
func (c *DockerClient) Inspect(ctx context.Context, containerName string) (ContainerState, error) {
	output, err := c.run(ctx, "inspect", "--format", "{{json .State}}", containerName)
	if err != nil {
		return ContainerState{}, err
	}
	return parseInspectState(containerName, output)
}

// List enumerates managed agent containers (running or exited) by the
// naming convention, then inspects each for live state. An agent whose
// container vanishes between the two calls is skipped rather than
// failing the whole listing.
func (c *DockerClient) List(ctx context.Context) ([]ContainerState, error) {
	output, err := c.run(ctx, "ps", "-a",
		"--filter", "name="+managedPrefix,
		"--format", "{{.Names}}")
	if err != nil {
		return nil, err
	}

	var states []ContainerState
	for _, name := range strings.Fields(output) {
		if !IsManaged(name) {
			continue
		}
		state, err := c.Inspect(ctx, name)
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// run executes the docker binary with the given arguments under the
// client's timeout and returns stdout.
func (c *DockerClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, c.binary, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %v: %w", c.timeout, err)
		}
		return "", &CommandError{
			Binary: c.binary,
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

// parseInspectState decodes the {{json .State}} output of docker
// inspect into a ContainerState.
func parseInspectState(containerName, output string) (ContainerState, error) {
	var state inspectState
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &state); err != nil {
		return ContainerState{}, fmt.Errorf("parsing inspect output for %s: %w", containerName, err)
	}

	// Docker reports StartedAt as RFC3339Nano; an all-zero timestamp
	// means the container never started.
	startedAt, err := time.Parse(time.RFC3339Nano, state.StartedAt)
	if err != nil {
		startedAt = time.Time{}
	}

	return ContainerState{
		Name:      containerName,
		Running:   state.Running,
		ExitCode:  state.ExitCode,
		StartedAt: startedAt,
		Status:    state.Status,
	}, nil
}
