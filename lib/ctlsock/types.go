// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package ctlsock

import "time"

// Action names understood by the flotillad control socket. Shared
// between the daemon's handler registration and the CLI client.
const (
	ActionAgentCreate  = "agent.create"
	ActionAgentDelete  = "agent.delete"
	ActionAgentList    = "agent.list"
	ActionAgentShow    = "agent.show"
	ActionTemplateList = "template.list"
	ActionPorts        = "ports"
	ActionStatus       = "status"
)

// AgentCreateRequest asks the daemon to create an agent.
type AgentCreateRequest struct {
	Action            string            `cbor:"action"`
	TemplateName      string            `cbor:"template_name"`
	DisplayName       string            `cbor:"display_name"`
	Environment       map[string]string `cbor:"environment,omitempty"`
	ApprovalSignature string            `cbor:"approval_signature,omitempty"`
}

// AgentCreateResponse describes the created agent.
type AgentCreateResponse struct {
	AgentID  string `cbor:"agent_id"`
	Port     int    `cbor:"port"`
	Endpoint string `cbor:"endpoint"`
	Status   string `cbor:"status"`
}

// AgentDeleteRequest asks the daemon to delete an agent, addressed by
// ID or display name.
type AgentDeleteRequest struct {
	Action string `cbor:"action"`
	Agent  string `cbor:"agent"`
}

// AgentShowRequest asks for one agent's record, addressed by ID or
// display name.
type AgentShowRequest struct {
	Action string `cbor:"action"`
	Agent  string `cbor:"agent"`
}

// AgentInfo is one agent's registry record plus live container state.
type AgentInfo struct {
	AgentID         string    `cbor:"agent_id"`
	DisplayName     string    `cbor:"display_name"`
	Port            int       `cbor:"port"`
	TemplateName    string    `cbor:"template_name"`
	UnitFilePath    string    `cbor:"unit_file_path"`
	CreatedAt       time.Time `cbor:"created_at"`
	Running         bool      `cbor:"running"`
	ContainerStatus string    `cbor:"container_status,omitempty"`
}

// AgentListResponse lists all registered agents.
type AgentListResponse struct {
	Agents []AgentInfo `cbor:"agents"`
}

// TemplateInfo describes one available template.
type TemplateInfo struct {
	Name        string `cbor:"name"`
	Description string `cbor:"description,omitempty"`
	Image       string `cbor:"image,omitempty"`
	PreApproved bool   `cbor:"pre_approved"`
}

// TemplateListResponse lists the templates in the templates directory.
type TemplateListResponse struct {
	Templates []TemplateInfo `cbor:"templates"`
}

// PortsResponse reports the allocator's state.
type PortsResponse struct {
	RangeStart int            `cbor:"range_start"`
	RangeEnd   int            `cbor:"range_end"`
	Reserved   []int          `cbor:"reserved,omitempty"`
	Allocated  map[string]int `cbor:"allocated,omitempty"`
}

// StatusResponse is the daemon health summary.
type StatusResponse struct {
	Version        string `cbor:"version"`
	Agents         int    `cbor:"agents"`
	StoreDegraded  bool   `cbor:"store_degraded"`
	ManifestLoaded bool   `cbor:"manifest_loaded"`
}
