// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package unit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testParams() Params {
	return Params{
		AgentID:      "scout",
		DisplayName:  "Scout",
		Port:         8080,
		TemplateName: "scout",
		Image:        "flotilla/agent:1.0",
		AgentDir:     "/var/lib/flotilla/agents/scout",
		ExchangeDir:  "/var/lib/flotilla/exchange",
	}
}

func TestRenderCoreFields(t *testing.T) {
	definition := Render(testParams())

	service, ok := definition.Services["agent-scout"]
	if !ok {
		t.Fatalf("service agent-scout missing: %v", definition.Services)
	}
	if service.ContainerName != "flotilla-agent-scout" {
		t.Errorf("ContainerName = %q", service.ContainerName)
	}
	if service.Image != "flotilla/agent:1.0" {
		t.Errorf("Image = %q", service.Image)
	}
	if len(service.Ports) != 1 || service.Ports[0] != "8080:8080" {
		t.Errorf("Ports = %v", service.Ports)
	}
	if service.Restart != "unless-stopped" {
		t.Errorf("Restart = %q", service.Restart)
	}
	if service.Environment["FLOTILLA_AGENT_ID"] != "scout" {
		t.Errorf("Environment = %v", service.Environment)
	}
	if _, mocked := service.Environment["FLOTILLA_MOCK_LLM"]; mocked {
		t.Error("mock flag set without MockLLM")
	}
}

func TestRenderMockMode(t *testing.T) {
	params := testParams()
	params.MockLLM = true
	service := Render(params).Services["agent-scout"]
	if service.Environment["FLOTILLA_MOCK_LLM"] != "true" {
		t.Errorf("Environment = %v", service.Environment)
	}
}

func TestRenderCallerEnvironmentWins(t *testing.T) {
	params := testParams()
	params.Environment = map[string]string{
		"FLOTILLA_API_PORT": "9999",
		"EXTRA":             "value",
	}
	service := Render(params).Services["agent-scout"]
	if service.Environment["FLOTILLA_API_PORT"] != "9999" {
		t.Errorf("caller override lost: %v", service.Environment)
	}
	if service.Environment["EXTRA"] != "value" {
		t.Errorf("caller addition lost: %v", service.Environment)
	}
}

func TestRenderMounts(t *testing.T) {
	service := Render(testParams()).Services["agent-scout"]

	wantMounts := []string{
		"/var/lib/flotilla/agents/scout/data:/app/data",
		"/var/lib/flotilla/agents/scout/logs:/app/logs",
		"/var/lib/flotilla/exchange:/app/exchange:ro",
	}
	if len(service.Volumes) != len(wantMounts) {
		t.Fatalf("Volumes = %v", service.Volumes)
	}
	for i, want := range wantMounts {
		if service.Volumes[i] != want {
			t.Errorf("Volumes[%d] = %q, want %q", i, service.Volumes[i], want)
		}
	}
}

func TestWriteCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents", "scout", "unit.yml")
	if err := Write(Render(testParams()), path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "container_name: flotilla-agent-scout") {
		t.Errorf("unit file missing container name:\n%s", content)
	}
	if !strings.Contains(content, "8080:8080") {
		t.Errorf("unit file missing port binding:\n%s", content)
	}
}

func TestFingerprintStability(t *testing.T) {
	first, err := Fingerprint(Render(testParams()))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	second, err := Fingerprint(Render(testParams()))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if first != second {
		t.Errorf("identical definitions fingerprint differently: %s vs %s", first, second)
	}

	changed := testParams()
	changed.Port = 8081
	third, err := Fingerprint(Render(changed))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if third == first {
		t.Error("different definitions share a fingerprint")
	}
}

func TestFingerprintFileMatchesWrite(t *testing.T) {
	definition := Render(testParams())
	path := filepath.Join(t.TempDir(), "unit.yml")
	if err := Write(definition, path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fromDefinition, err := Fingerprint(definition)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fromFile, err := FingerprintFile(path)
	if err != nil {
		t.Fatalf("FingerprintFile: %v", err)
	}
	if fromDefinition != fromFile {
		t.Errorf("written file fingerprint %s != definition fingerprint %s", fromFile, fromDefinition)
	}
}
