// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy manages the reverse proxy's routing configuration for
// the whole fleet. Deployment is a state machine, not an incremental
// editor: generate the complete configuration for every registered
// agent, validate the candidate against the actual running proxy
// process, then commit with a backup to roll back to. The file on disk
// is always a full state transfer, so "what the file says" can never
// drift from "what agents exist."
package proxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flotilla-dev/flotilla/lib/fleet"
)

// Upstreams names the fixed infrastructure endpoints routed alongside
// the per-agent routes.
type Upstreams struct {
	// AgentHost is the address agents' host ports are reachable at
	// from the proxy's network context.
	AgentHost string

	// UI is the host:port of the fleet UI.
	UI string

	// Manager is the host:port of the flotillad management API.
	Manager string
}

// Generate renders the complete nginx configuration for the given
// agent set plus the fixed infrastructure routes. The output is a
// self-contained main configuration (events and http contexts
// included), so the proxy loads it directly with -c and `nginx -t`
// can validate the candidate as-is. The output is deterministic:
// agents are emitted in ID order, so identical fleets produce
// identical configurations.
func Generate(agents []fleet.AgentRecord, upstreams Upstreams) string {
	sorted := make([]fleet.AgentRecord, len(agents))
	copy(sorted, agents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	var b strings.Builder

	b.WriteString("# Managed by flotillad. Do not edit: every deploy rewrites this file in full.\n\n")

	b.WriteString("worker_processes auto;\n\n")

	b.WriteString("events {\n")
	b.WriteString("    worker_connections 1024;\n")
	b.WriteString("}\n\n")

	b.WriteString("http {\n")

	b.WriteString("    upstream flotilla_ui {\n")
	fmt.Fprintf(&b, "        server %s;\n", upstreams.UI)
	b.WriteString("    }\n\n")

	b.WriteString("    upstream flotilla_manager {\n")
	fmt.Fprintf(&b, "        server %s;\n", upstreams.Manager)
	b.WriteString("    }\n\n")

	for _, agent := range sorted {
		fmt.Fprintf(&b, "    upstream agent_%s {\n", upstreamName(agent.AgentID))
		fmt.Fprintf(&b, "        server %s:%d;\n", upstreams.AgentHost, agent.Port)
		b.WriteString("    }\n\n")
	}

	b.WriteString("    server {\n")
	b.WriteString("        listen 80;\n")
	b.WriteString("        server_name _;\n\n")

	b.WriteString("        location /manager/v1/ {\n")
	b.WriteString("            proxy_pass http://flotilla_manager;\n")
	writeProxyHeaders(&b)
	b.WriteString("        }\n\n")

	for _, agent := range sorted {
		fmt.Fprintf(&b, "        location /api/%s/ {\n", agent.AgentID)
		fmt.Fprintf(&b, "            proxy_pass http://agent_%s/;\n", upstreamName(agent.AgentID))
		writeProxyHeaders(&b)
		b.WriteString("            proxy_http_version 1.1;\n")
		b.WriteString("            proxy_set_header Upgrade $http_upgrade;\n")
		b.WriteString("            proxy_set_header Connection \"upgrade\";\n")
		b.WriteString("        }\n\n")
	}

	b.WriteString("        location / {\n")
	b.WriteString("            proxy_pass http://flotilla_ui;\n")
	writeProxyHeaders(&b)
	b.WriteString("        }\n")
	b.WriteString("    }\n")
	b.WriteString("}\n")

	return b.String()
}

func writeProxyHeaders(b *strings.Builder) {
	b.WriteString("            proxy_set_header Host $host;\n")
	b.WriteString("            proxy_set_header X-Real-IP $remote_addr;\n")
	b.WriteString("            proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
}

// upstreamName maps an agent ID to a valid nginx upstream identifier.
// Agent IDs already exclude everything but [a-z0-9_-]; nginx dislikes
// "-" in upstream names less than it dislikes collisions, so only "-"
// needs mapping.
func upstreamName(agentID string) string {
	return strings.ReplaceAll(agentID, "-", "_")
}
