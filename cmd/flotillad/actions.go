// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/flotilla-dev/flotilla/lib/codec"
	"github.com/flotilla-dev/flotilla/lib/coordinator"
	"github.com/flotilla-dev/flotilla/lib/ctlsock"
	"github.com/flotilla-dev/flotilla/lib/fleet"
	"github.com/flotilla-dev/flotilla/lib/template"
	"github.com/flotilla-dev/flotilla/lib/unit"
	"github.com/flotilla-dev/flotilla/lib/version"
)

// registerActions wires the management protocol onto the control
// socket.
func (d *daemon) registerActions(server *ctlsock.Server) {
	server.Handle(ctlsock.ActionAgentCreate, d.handleAgentCreate)
	server.Handle(ctlsock.ActionAgentDelete, d.handleAgentDelete)
	server.Handle(ctlsock.ActionAgentList, d.handleAgentList)
	server.Handle(ctlsock.ActionAgentShow, d.handleAgentShow)
	server.Handle(ctlsock.ActionTemplateList, d.handleTemplateList)
	server.Handle(ctlsock.ActionPorts, d.handlePorts)
	server.Handle(ctlsock.ActionStatus, d.handleStatus)
}

func (d *daemon) handleAgentCreate(ctx context.Context, raw []byte) (any, error) {
	var request ctlsock.AgentCreateRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding create request: %w", err)
	}

	result, err := d.coordinator.CreateAgent(ctx, coordinator.CreateRequest{
		TemplateName:      request.TemplateName,
		DisplayName:       request.DisplayName,
		Environment:       request.Environment,
		ApprovalSignature: request.ApprovalSignature,
	})
	if err != nil {
		return nil, err
	}
	return ctlsock.AgentCreateResponse{
		AgentID:  result.AgentID,
		Port:     result.Port,
		Endpoint: result.Endpoint,
		Status:   result.Status,
	}, nil
}

func (d *daemon) handleAgentDelete(ctx context.Context, raw []byte) (any, error) {
	var request ctlsock.AgentDeleteRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding delete request: %w", err)
	}
	record, err := d.resolveAgent(request.Agent)
	if err != nil {
		return nil, err
	}
	return nil, d.coordinator.DeleteAgent(ctx, record.AgentID)
}

func (d *daemon) handleAgentList(ctx context.Context, raw []byte) (any, error) {
	records := d.registry.List()
	agents := make([]ctlsock.AgentInfo, 0, len(records))
	for _, record := range records {
		agents = append(agents, d.agentInfo(ctx, record))
	}
	return ctlsock.AgentListResponse{Agents: agents}, nil
}

func (d *daemon) handleAgentShow(ctx context.Context, raw []byte) (any, error) {
	var request ctlsock.AgentShowRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding show request: %w", err)
	}
	record, err := d.resolveAgent(request.Agent)
	if err != nil {
		return nil, err
	}
	return d.agentInfo(ctx, record), nil
}

func (d *daemon) handleTemplateList(ctx context.Context, raw []byte) (any, error) {
	names, err := template.List(d.config.Paths.Templates)
	if err != nil {
		return nil, err
	}
	approved := d.verifier.ListPreApproved()

	templates := make([]ctlsock.TemplateInfo, 0, len(names))
	for _, name := range names {
		info := ctlsock.TemplateInfo{Name: name}
		path := filepath.Join(d.config.Paths.Templates, name+".jsonc")
		if content, err := template.ReadFile(path); err == nil {
			info.Description = content.Description
			info.Image = content.Image
		}
		if _, listed := approved[name]; listed {
			info.PreApproved = d.verifier.IsPreApproved(name, path)
		}
		templates = append(templates, info)
	}
	return ctlsock.TemplateListResponse{Templates: templates}, nil
}

func (d *daemon) handlePorts(ctx context.Context, raw []byte) (any, error) {
	start, end := d.allocator.Range()
	return ctlsock.PortsResponse{
		RangeStart: start,
		RangeEnd:   end,
		Reserved:   d.allocator.Reserved(),
		Allocated:  d.registry.AllocatedPorts(),
	}, nil
}

func (d *daemon) handleStatus(ctx context.Context, raw []byte) (any, error) {
	return ctlsock.StatusResponse{
		Version:        version.Short(),
		Agents:         len(d.registry.List()),
		StoreDegraded:  d.store.Degraded(),
		ManifestLoaded: d.verifier.Verified(),
	}, nil
}

// resolveAgent looks up an agent by ID first, then by display name.
func (d *daemon) resolveAgent(agent string) (fleet.AgentRecord, error) {
	if agent == "" {
		return fleet.AgentRecord{}, fmt.Errorf("missing required field: agent")
	}
	record, err := d.registry.Get(agent)
	if err == nil {
		return record, nil
	}
	return d.registry.GetByName(agent)
}

// agentInfo joins a registry record with the container's live state.
// Inspect failures degrade to "unknown" rather than failing the whole
// listing.
func (d *daemon) agentInfo(ctx context.Context, record fleet.AgentRecord) ctlsock.AgentInfo {
	info := ctlsock.AgentInfo{
		AgentID:      record.AgentID,
		DisplayName:  record.DisplayName,
		Port:         record.Port,
		TemplateName: record.TemplateName,
		UnitFilePath: record.UnitFilePath,
		CreatedAt:    record.CreatedAt,
	}
	state, err := d.runtime.Inspect(ctx, unit.ContainerName(record.AgentID))
	if err != nil {
		info.ContainerStatus = "unknown"
		return info
	}
	info.Running = state.Running
	info.ContainerStatus = state.Status
	return info
}
