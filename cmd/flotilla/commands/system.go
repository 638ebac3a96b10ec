// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/flotilla-dev/flotilla/cmd/flotilla/cli"
	"github.com/flotilla-dev/flotilla/lib/ctlsock"
)

func portsCommand() *cli.Command {
	var socketPath string

	return &cli.Command{
		Name:    "ports",
		Summary: "Show the port allocator's state",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("ports", pflag.ContinueOnError)
			fs.StringVar(&socketPath, "socket", defaultSocketPath(), "flotillad control socket")
			return fs
		},
		Run: func(args []string) error {
			var ports ctlsock.PortsResponse
			if err := query(socketPath, ctlsock.ActionPorts, nil, &ports); err != nil {
				return err
			}
			fmt.Printf("range: %d-%d\n", ports.RangeStart, ports.RangeEnd)
			if len(ports.Reserved) > 0 {
				fmt.Printf("reserved: %v\n", ports.Reserved)
			}
			if len(ports.Allocated) == 0 {
				fmt.Println("no ports allocated")
				return nil
			}

			agents := make([]string, 0, len(ports.Allocated))
			for agent := range ports.Allocated {
				agents = append(agents, agent)
			}
			sort.Slice(agents, func(i, j int) bool {
				return ports.Allocated[agents[i]] < ports.Allocated[agents[j]]
			})

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "PORT\tAGENT")
			for _, agent := range agents {
				fmt.Fprintf(tw, "%d\t%s\n", ports.Allocated[agent], agent)
			}
			return tw.Flush()
		},
	}
}

func statusCommand() *cli.Command {
	var socketPath string

	return &cli.Command{
		Name:    "status",
		Summary: "Show daemon status",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
			fs.StringVar(&socketPath, "socket", defaultSocketPath(), "flotillad control socket")
			return fs
		},
		Run: func(args []string) error {
			var status ctlsock.StatusResponse
			if err := query(socketPath, ctlsock.ActionStatus, nil, &status); err != nil {
				return err
			}
			fmt.Printf("flotillad %s\n", status.Version)
			fmt.Printf("  agents:   %d\n", status.Agents)
			fmt.Printf("  manifest: %s\n", yesNo(status.ManifestLoaded))
			if status.StoreDegraded {
				fmt.Println("  store:    DEGRADED (registrations disabled, see daemon log)")
			} else {
				fmt.Println("  store:    ok")
			}
			return nil
		},
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
