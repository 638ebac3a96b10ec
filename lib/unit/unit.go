// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package unit renders container unit definitions for agents. A unit
// is the docker-compose style service description the container
// runtime consumes to run one agent: image, port binding, environment,
// bind mounts, restart policy, health check, and log rotation.
//
// Render is a pure function over structured input — it performs no
// I/O. Write is the single side effect, and two callers never write
// the same agent's unit path concurrently because agent IDs are
// uniquely assigned before rendering begins.
package unit

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// agentAPIPort is the fixed in-container port every agent listens on.
// The host side of the binding is the agent's allocated port.
const agentAPIPort = 8080

// Params is the input to Render.
type Params struct {
	// AgentID is the stable lowercase identity of the agent.
	AgentID string

	// DisplayName is the human-facing agent name.
	DisplayName string

	// Port is the allocated host port.
	Port int

	// TemplateName names the template the agent was created from.
	TemplateName string

	// Image is the container image, resolved from the template.
	Image string

	// AgentDir is the agent's private directory. Data and log mounts
	// are scoped under it.
	AgentDir string

	// ExchangeDir is the shared credential-exchange directory, mounted
	// read-only.
	ExchangeDir string

	// Environment holds caller-supplied environment overrides, merged
	// over the fixed identity block and the template defaults. The
	// caller wins on key collision.
	Environment map[string]string

	// MockLLM adds the mock-mode flag to the environment.
	MockLLM bool
}

// Definition is a rendered unit. Marshals directly to the compose YAML
// consumed by the runtime.
type Definition struct {
	Services map[string]Service `yaml:"services"`
}

// Service is one container service entry in a unit.
type Service struct {
	ContainerName string            `yaml:"container_name"`
	Image         string            `yaml:"image"`
	Ports         []string          `yaml:"ports"`
	Environment   map[string]string `yaml:"environment"`
	Volumes       []string          `yaml:"volumes"`
	Restart       string            `yaml:"restart"`
	HealthCheck   HealthCheck       `yaml:"healthcheck"`
	Logging       Logging           `yaml:"logging"`
}

// HealthCheck polls the agent's own health endpoint.
type HealthCheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

// Logging bounds container log growth.
type Logging struct {
	Driver  string            `yaml:"driver"`
	Options map[string]string `yaml:"options"`
}

// ContainerName returns the runtime container name for an agent ID.
// The "flotilla-agent-" prefix is the naming convention the watchdog
// and runtime listing filter on.
func ContainerName(agentID string) string {
	return "flotilla-agent-" + agentID
}

// Render produces the unit definition for one agent. The environment
// is assembled in precedence order: fixed identity block, then the
// mock flag, then caller overrides (caller wins on collision).
func Render(params Params) Definition {
	environment := map[string]string{
		"FLOTILLA_AGENT_ID":   params.AgentID,
		"FLOTILLA_AGENT_NAME": params.DisplayName,
		"FLOTILLA_TEMPLATE":   params.TemplateName,
		"FLOTILLA_API_HOST":   "0.0.0.0",
		"FLOTILLA_API_PORT":   fmt.Sprintf("%d", agentAPIPort),
	}
	if params.MockLLM {
		environment["FLOTILLA_MOCK_LLM"] = "true"
	}
	for key, value := range params.Environment {
		environment[key] = value
	}

	service := Service{
		ContainerName: ContainerName(params.AgentID),
		Image:         params.Image,
		Ports: []string{
			fmt.Sprintf("%d:%d", params.Port, agentAPIPort),
		},
		Environment: environment,
		Volumes:     volumes(params),
		Restart:     "unless-stopped",
		HealthCheck: HealthCheck{
			Test: []string{
				"CMD", "curl", "-f",
				fmt.Sprintf("http://localhost:%d/v1/health", agentAPIPort),
			},
			Interval: "30s",
			Timeout:  "5s",
			Retries:  3,
		},
		Logging: Logging{
			Driver: "json-file",
			Options: map[string]string{
				"max-size": "10m",
				"max-file": "3",
			},
		},
	}

	return Definition{
		Services: map[string]Service{
			"agent-" + params.AgentID: service,
		},
	}
}

// volumes lists the agent's bind mounts. The exchange mount is
// omitted when no exchange directory is configured.
func volumes(params Params) []string {
	mounts := []string{
		filepath.Join(params.AgentDir, "data") + ":/app/data",
		filepath.Join(params.AgentDir, "logs") + ":/app/logs",
	}
	if params.ExchangeDir != "" {
		mounts = append(mounts, params.ExchangeDir+":/app/exchange:ro")
	}
	return mounts
}

// Marshal serializes the definition to YAML.
func (d Definition) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling unit definition: %w", err)
	}
	return data, nil
}

// Write serializes the definition and writes it to path, creating
// parent directories as needed.
func Write(definition Definition, path string) error {
	data, err := definition.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating unit directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing unit %s: %w", path, err)
	}
	return nil
}

// Fingerprint returns the BLAKE3 hex digest of the definition's
// serialized form. Stored on the agent record at creation; the
// reconciler recomputes it from the on-disk file to detect drift.
func Fingerprint(definition Definition) (string, error) {
	data, err := definition.Marshal()
	if err != nil {
		return "", err
	}
	return FingerprintBytes(data), nil
}

// FingerprintBytes returns the BLAKE3 hex digest of raw unit file
// content.
func FingerprintBytes(data []byte) string {
	digest := blake3.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// FingerprintFile returns the BLAKE3 hex digest of the unit file at
// path.
func FingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading unit %s: %w", path, err)
	}
	return FingerprintBytes(data), nil
}
