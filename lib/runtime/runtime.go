// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime provides typed access to the container runtime CLI
// for agent lifecycle operations. Every invocation is an external
// process with a bounded timeout; stderr is captured and included in
// error messages, since the docker CLI writes its diagnostics there.
//
// Managed containers are identified by the "flotilla-agent-" name
// prefix. Anything else on the host is invisible to this package.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// managedPrefix is the container naming convention for agents. List
// filters on it; everything the watchdog observes carries it.
const managedPrefix = "flotilla-agent-"

// ContainerState is the live state of one managed container, as
// reported by the runtime's inspect facility.
type ContainerState struct {
	// Name is the container name (with the managed prefix).
	Name string

	// Running reports whether the container is currently running.
	Running bool

	// ExitCode is the last exit code. Meaningful only when the
	// container is not running.
	ExitCode int

	// StartedAt is when the container last started.
	StartedAt time.Time

	// Status is the runtime's human-readable status string
	// ("running", "exited", ...).
	Status string
}

// Exited reports whether the container has stopped and reached the
// runtime's exited status. It says nothing about the exit code; the
// crash-loop watchdog checks ExitCode separately.
func (s ContainerState) Exited() bool {
	return !s.Running && s.Status == "exited"
}

// Client is the container runtime control surface the coordinator,
// watchdog, and reconciler depend on. The production implementation
// shells out to the docker CLI; tests substitute fakes.
type Client interface {
	// Pull refreshes the image for the unit at unitPath.
	Pull(ctx context.Context, unitPath, project string) error

	// Up ensures the unit's container is running and up to date with
	// its current definition. Idempotent.
	Up(ctx context.Context, unitPath, project string) error

	// Stop halts one container without removing its definition.
	Stop(ctx context.Context, containerName string) error

	// Down tears the unit fully down, removing volumes.
	Down(ctx context.Context, unitPath, project string) error

	// Inspect queries the live state of one container.
	Inspect(ctx context.Context, containerName string) (ContainerState, error)

	// List enumerates all managed agent containers, running or not.
	List(ctx context.Context) ([]ContainerState, error)
}

// CommandError carries the full context of a failed runtime
// invocation: the command line, captured stderr, and the underlying
// exec error. Operational failures surface this to the caller so logs
// show exactly what was run.
type CommandError struct {
	Binary string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s %s: %v", e.Binary, strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s %s: %v (stderr: %s)", e.Binary, strings.Join(e.Args, " "), e.Err, stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsManaged reports whether a container name carries the managed
// agent prefix.
func IsManaged(containerName string) bool {
	return strings.HasPrefix(containerName, managedPrefix)
}

// AgentID extracts the agent ID from a managed container name.
// Returns "" for unmanaged names.
func AgentID(containerName string) string {
	if !IsManaged(containerName) {
		return ""
	}
	return strings.TrimPrefix(containerName, managedPrefix)
}
