// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseInspectState(t *testing.T) {
	output := `{"Status":"exited","Running":false,"ExitCode":137,"StartedAt":"2026-03-01T12:00:00.123456789Z"}`

	state, err := parseInspectState("flotilla-agent-scout", output)
	if err != nil {
		t.Fatalf("parseInspectState: %v", err)
	}
	if state.Running {
		t.Error("Running = true")
	}
	if state.ExitCode != 137 {
		t.Errorf("ExitCode = %d", state.ExitCode)
	}
	if state.Status != "exited" {
		t.Errorf("Status = %q", state.Status)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	if !state.StartedAt.Equal(want) {
		t.Errorf("StartedAt = %v, want %v", state.StartedAt, want)
	}
	if !state.Exited() {
		t.Error("Exited() = false for an exited container")
	}
}

func TestParseInspectStateNeverStarted(t *testing.T) {
	output := `{"Status":"created","Running":false,"ExitCode":0,"StartedAt":"0001-01-01T00:00:00Z"}`
	state, err := parseInspectState("flotilla-agent-scout", output)
	if err != nil {
		t.Fatalf("parseInspectState: %v", err)
	}
	if state.Exited() {
		t.Error("created container reported as exited")
	}
}

func TestParseInspectStateGarbage(t *testing.T) {
	if _, err := parseInspectState("x", "not json"); err == nil {
		t.Error("parseInspectState accepted garbage")
	}
}

func TestManagedNames(t *testing.T) {
	if !IsManaged("flotilla-agent-scout") {
		t.Error("IsManaged = false for a managed name")
	}
	if IsManaged("nginx") {
		t.Error("IsManaged = true for an unmanaged name")
	}
	if got := AgentID("flotilla-agent-scout"); got != "scout" {
		t.Errorf("AgentID = %q", got)
	}
	if got := AgentID("postgres"); got != "" {
		t.Errorf("AgentID of unmanaged name = %q", got)
	}
}

func TestCommandErrorFormatting(t *testing.T) {
	underlying := errors.New("exit status 1")
	err := &CommandError{
		Binary: "docker",
		Args:   []string{"stop", "flotilla-agent-scout"},
		Stderr: "no such container\n",
		Err:    underlying,
	}

	message := err.Error()
	for _, fragment := range []string{"docker", "stop flotilla-agent-scout", "no such container"} {
		if !strings.Contains(message, fragment) {
			t.Errorf("error %q missing %q", message, fragment)
		}
	}
	if !errors.Is(err, underlying) {
		t.Error("CommandError does not unwrap to the exec error")
	}
}
