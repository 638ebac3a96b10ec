// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const nginxCommandTimeout = 30 * time.Second

// candidateContainerPath is where staged candidates land inside the
// proxy container for syntax checking.
const candidateContainerPath = "/tmp/flotilla-candidate.conf"

// NginxRunner drives an nginx instance running in a container through
// the docker CLI. The committed configuration file is bind-mounted
// into the container as its main configuration; the manager rewrites
// it in place so the mounted inode survives deploys, and only
// validation and reload go through exec.
type NginxRunner struct {
	binary    string
	container string
}

// NewNginxRunner returns a runner for the named proxy container using
// the docker binary on PATH.
func NewNginxRunner(container string) *NginxRunner {
	return &NginxRunner{binary: "docker", container: container}
}

// Stage copies the candidate file into the proxy container so nginx
// can syntax-check it in its own environment.
func (r *NginxRunner) Stage(ctx context.Context, candidatePath string) error {
	return r.run(ctx, "cp", candidatePath, r.container+":"+candidateContainerPath)
}

// CheckSyntax runs nginx's own configuration test against the staged
// candidate.
func (r *NginxRunner) CheckSyntax(ctx context.Context) error {
	return r.run(ctx, "exec", r.container, "nginx", "-t", "-c", candidateContainerPath)
}

// Reload signals nginx to re-read the committed configuration without
// dropping connections.
func (r *NginxRunner) Reload(ctx context.Context) error {
	return r.run(ctx, "exec", r.container, "nginx", "-s", "reload")
}

func (r *NginxRunner) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, nginxCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("docker %s timed out after %s", args[0], nginxCommandTimeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("docker %s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	return nil
}
