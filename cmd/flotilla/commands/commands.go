// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the flotilla CLI command tree. Commands talk
// to a running flotillad over its control socket; the template signing
// commands work locally against key files and template directories.
package commands

import (
	"fmt"

	"github.com/flotilla-dev/flotilla/cmd/flotilla/cli"
	"github.com/flotilla-dev/flotilla/lib/version"
)

// Root builds and returns the complete flotilla CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "flotilla",
		Description: `Flotilla: single-host fleet manager for agent containers.

Manage agent containers behind a shared reverse proxy: create agents
from signed templates, inspect the fleet, and administer template
approvals.`,
		Subcommands: []*cli.Command{
			agentCommand(),
			templateCommand(),
			portsCommand(),
			statusCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("flotilla %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Check the daemon is up",
				Command:     "flotilla status",
			},
			{
				Description: "Create an agent from a pre-approved template",
				Command:     "flotilla agent create 'Ada Lovelace' --template scout",
			},
			{
				Description: "See every agent and its container state",
				Command:     "flotilla agent list",
			},
			{
				Description: "Sign the templates directory into a manifest",
				Command:     "flotilla template sign ./templates --key root.key --out manifest.json",
			},
		},
	}
}
