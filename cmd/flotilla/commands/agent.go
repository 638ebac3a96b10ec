// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/flotilla-dev/flotilla/cmd/flotilla/cli"
	"github.com/flotilla-dev/flotilla/lib/ctlsock"
)

func agentCommand() *cli.Command {
	return &cli.Command{
		Name:    "agent",
		Summary: "Create, inspect, and remove agents",
		Subcommands: []*cli.Command{
			agentCreateCommand(),
			agentDeleteCommand(),
			agentListCommand(),
			agentShowCommand(),
		},
	}
}

func agentCreateCommand() *cli.Command {
	var socketPath, templateName, approval string
	var envPairs []string

	return &cli.Command{
		Name:    "create",
		Summary: "Create an agent from a template",
		Usage:   "flotilla agent create <display-name> --template <name> [flags]",
		Description: `Create an agent from a template.

The display name becomes the agent ID after slugification ("Ada
Lovelace" becomes ada-lovelace). Templates not pre-approved in the
signed manifest require an approval signature from the fleet
authority; obtain one with 'flotilla template approve'.`,
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
			fs.StringVar(&socketPath, "socket", defaultSocketPath(), "flotillad control socket")
			fs.StringVar(&templateName, "template", "", "template name (required)")
			fs.StringArrayVar(&envPairs, "env", nil, "environment override KEY=VALUE (repeatable)")
			fs.StringVar(&approval, "approval", "", "base64 authority approval signature")
			return fs
		},
		Examples: []cli.Example{
			{
				Description: "Create an agent from the pre-approved scout template",
				Command:     "flotilla agent create 'Ada Lovelace' --template scout",
			},
			{
				Description: "Override an environment variable",
				Command:     "flotilla agent create Grace --template scout --env LOG_LEVEL=debug",
			},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one display name, got %d args", len(args))
			}
			if templateName == "" {
				return fmt.Errorf("--template is required")
			}
			environment, err := parseEnvPairs(envPairs)
			if err != nil {
				return err
			}

			fields := map[string]any{
				"template_name": templateName,
				"display_name":  args[0],
			}
			if len(environment) > 0 {
				fields["environment"] = environment
			}
			if approval != "" {
				fields["approval_signature"] = approval
			}

			var created ctlsock.AgentCreateResponse
			if err := mutate(socketPath, ctlsock.ActionAgentCreate, fields, &created); err != nil {
				return err
			}
			fmt.Printf("created %s\n", created.AgentID)
			fmt.Printf("  port:     %d\n", created.Port)
			fmt.Printf("  endpoint: %s\n", created.Endpoint)
			fmt.Printf("  status:   %s\n", created.Status)
			return nil
		},
	}
}

func agentDeleteCommand() *cli.Command {
	var socketPath string

	return &cli.Command{
		Name:    "delete",
		Summary: "Delete an agent and archive its data",
		Usage:   "flotilla agent delete <agent>",
		Description: `Delete an agent, addressed by ID or display name.

The agent's container is stopped and removed, its route and port are
released, and its data directory is archived before removal.`,
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("delete", pflag.ContinueOnError)
			fs.StringVar(&socketPath, "socket", defaultSocketPath(), "flotillad control socket")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one agent, got %d args", len(args))
			}
			fields := map[string]any{"agent": args[0]}
			if err := mutate(socketPath, ctlsock.ActionAgentDelete, fields, nil); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func agentListCommand() *cli.Command {
	var socketPath string
	var asJSON bool

	return &cli.Command{
		Name:    "list",
		Summary: "List all agents",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
			fs.StringVar(&socketPath, "socket", defaultSocketPath(), "flotillad control socket")
			fs.BoolVar(&asJSON, "json", false, "output as JSON")
			return fs
		},
		Run: func(args []string) error {
			var listed ctlsock.AgentListResponse
			if err := query(socketPath, ctlsock.ActionAgentList, nil, &listed); err != nil {
				return err
			}
			if asJSON {
				return printJSON(listed.Agents)
			}
			if len(listed.Agents) == 0 {
				fmt.Println("no agents")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tNAME\tPORT\tTEMPLATE\tSTATE\tCREATED")
			for _, agent := range listed.Agents {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					agent.AgentID,
					agent.DisplayName,
					agent.Port,
					agent.TemplateName,
					agentState(agent),
					agent.CreatedAt.Format("2006-01-02 15:04"),
				)
			}
			return tw.Flush()
		},
	}
}

func agentShowCommand() *cli.Command {
	var socketPath string
	var asJSON bool

	return &cli.Command{
		Name:    "show",
		Summary: "Show one agent's record and container state",
		Usage:   "flotilla agent show <agent>",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
			fs.StringVar(&socketPath, "socket", defaultSocketPath(), "flotillad control socket")
			fs.BoolVar(&asJSON, "json", false, "output as JSON")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one agent, got %d args", len(args))
			}
			var agent ctlsock.AgentInfo
			fields := map[string]any{"agent": args[0]}
			if err := query(socketPath, ctlsock.ActionAgentShow, fields, &agent); err != nil {
				return err
			}
			if asJSON {
				return printJSON(agent)
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "agent:\t%s\n", agent.AgentID)
			fmt.Fprintf(tw, "name:\t%s\n", agent.DisplayName)
			fmt.Fprintf(tw, "template:\t%s\n", agent.TemplateName)
			fmt.Fprintf(tw, "port:\t%d\n", agent.Port)
			fmt.Fprintf(tw, "state:\t%s\n", agentState(agent))
			fmt.Fprintf(tw, "unit:\t%s\n", agent.UnitFilePath)
			fmt.Fprintf(tw, "created:\t%s\n", agent.CreatedAt.Format(time.RFC3339))
			return tw.Flush()
		},
	}
}

// agentState renders container state for table output.
func agentState(agent ctlsock.AgentInfo) string {
	if agent.Running {
		return "running"
	}
	if agent.ContainerStatus != "" {
		return agent.ContainerStatus
	}
	return "stopped"
}

// parseEnvPairs converts repeated KEY=VALUE flags into a map.
func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	environment := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("malformed --env %q: want KEY=VALUE", pair)
		}
		environment[key] = value
	}
	return environment, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
