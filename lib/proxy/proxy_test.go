// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flotilla-dev/flotilla/lib/fleet"
)

// fakeRunner records pipeline calls and fails on demand.
type fakeRunner struct {
	staged      []string
	checkCalls  int
	reloadCalls int
	checkErr    error
	reloadErr   error
}

func (f *fakeRunner) Stage(ctx context.Context, candidatePath string) error {
	data, err := os.ReadFile(candidatePath)
	if err != nil {
		return err
	}
	f.staged = append(f.staged, string(data))
	return nil
}

func (f *fakeRunner) CheckSyntax(ctx context.Context) error {
	f.checkCalls++
	return f.checkErr
}

func (f *fakeRunner) Reload(ctx context.Context) error {
	f.reloadCalls++
	return f.reloadErr
}

func testAgents() []fleet.AgentRecord {
	return []fleet.AgentRecord{
		{AgentID: "beta", DisplayName: "Beta", Port: 30001},
		{AgentID: "alpha", DisplayName: "Alpha", Port: 30000},
	}
}

func testUpstreams() Upstreams {
	return Upstreams{AgentHost: "127.0.0.1", UI: "127.0.0.1:3000", Manager: "127.0.0.1:9100"}
}

func newTestManager(t *testing.T, runner Runner) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.d", "flotilla.conf")
	return NewManager(path, testUpstreams(), runner, testLogger())
}

func TestGenerateDeterministicAndComplete(t *testing.T) {
	agents := testAgents()
	first := Generate(agents, testUpstreams())
	second := Generate([]fleet.AgentRecord{agents[1], agents[0]}, testUpstreams())
	if first != second {
		t.Fatal("generated config depends on input order")
	}
	for _, want := range []string{
		"upstream agent_alpha {",
		"server 127.0.0.1:30000;",
		"location /api/alpha/ {",
		"location /api/beta/ {",
		"location /manager/v1/ {",
		"proxy_pass http://flotilla_ui;",
		"proxy_set_header Upgrade $http_upgrade;",
	} {
		if !strings.Contains(first, want) {
			t.Errorf("generated config missing %q", want)
		}
	}
	// Routes come out in agent ID order.
	if strings.Index(first, "/api/alpha/") > strings.Index(first, "/api/beta/") {
		t.Error("agent routes not sorted by ID")
	}
}

func TestGenerateSelfContainedMainConfig(t *testing.T) {
	conf := Generate(testAgents(), testUpstreams())

	// The runner validates candidates with `nginx -t -c`, which takes a
	// complete main configuration, not an includable fragment.
	if strings.Count(conf, "\nevents {") != 1 {
		t.Fatal("generated config missing top-level events context")
	}
	if strings.Count(conf, "\nhttp {") != 1 {
		t.Fatal("generated config missing top-level http context")
	}
	httpStart := strings.Index(conf, "\nhttp {")
	if strings.Index(conf, "upstream flotilla_ui") < httpStart {
		t.Fatal("upstream blocks emitted outside the http context")
	}
	if strings.Index(conf, "server_name _;") < httpStart {
		t.Fatal("server block emitted outside the http context")
	}
	if strings.Count(conf, "{") != strings.Count(conf, "}") {
		t.Fatalf("unbalanced braces: %d open, %d close",
			strings.Count(conf, "{"), strings.Count(conf, "}"))
	}
	if !strings.HasSuffix(conf, "}\n") {
		t.Fatal("generated config does not end by closing the http context")
	}
}

func TestUpdateConfigInstallsValidatedCandidate(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	agents := testAgents()
	if err := mgr.UpdateConfig(context.Background(), agents); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if runner.checkCalls != 1 || runner.reloadCalls != 1 {
		t.Fatalf("check=%d reload=%d, want 1/1", runner.checkCalls, runner.reloadCalls)
	}

	current, err := mgr.CurrentConfig()
	if err != nil {
		t.Fatalf("CurrentConfig: %v", err)
	}
	if current != Generate(agents, testUpstreams()) {
		t.Fatal("committed file does not match generated candidate")
	}
	if len(runner.staged) != 1 || runner.staged[0] != current {
		t.Fatal("validated bytes differ from committed bytes")
	}
	if _, err := os.Stat(mgr.ConfigPath() + ".candidate"); !os.IsNotExist(err) {
		t.Fatal("candidate file left behind after commit")
	}
}

func TestUpdateConfigPreservesConfigFileInode(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	agents := testAgents()
	if err := mgr.UpdateConfig(context.Background(), agents); err != nil {
		t.Fatalf("initial deploy: %v", err)
	}
	before, err := os.Stat(mgr.ConfigPath())
	if err != nil {
		t.Fatalf("stat after first deploy: %v", err)
	}

	// The proxy container bind-mounts this single file; replacing the
	// inode would leave the mount pointing at the old content forever.
	if err := mgr.UpdateConfig(context.Background(), agents[:1]); err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	after, err := os.Stat(mgr.ConfigPath())
	if err != nil {
		t.Fatalf("stat after second deploy: %v", err)
	}
	if !os.SameFile(before, after) {
		t.Fatal("deploy replaced the config file inode")
	}
}

func TestUpdateConfigSyntaxFailureLeavesConfigUntouched(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	if err := mgr.UpdateConfig(context.Background(), testAgents()); err != nil {
		t.Fatalf("initial deploy: %v", err)
	}
	before, _ := mgr.CurrentConfig()

	runner.checkErr = errors.New(`unknown directive "porxy_pass"`)
	err := mgr.UpdateConfig(context.Background(), nil)
	if !errors.Is(err, ErrValidateFailed) {
		t.Fatalf("err = %v, want ErrValidateFailed", err)
	}

	after, _ := mgr.CurrentConfig()
	if after != before {
		t.Fatal("rejected candidate modified the committed config")
	}
	if runner.reloadCalls != 1 {
		t.Fatalf("reload called %d times after failed validation, want 1", runner.reloadCalls)
	}
}

func TestUpdateConfigReloadFailureRestoresBackup(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	agents := testAgents()
	if err := mgr.UpdateConfig(context.Background(), agents); err != nil {
		t.Fatalf("initial deploy: %v", err)
	}
	before, _ := mgr.CurrentConfig()

	runner.reloadErr = errors.New("signal process started, worker spawn failed")
	if err := mgr.UpdateConfig(context.Background(), agents[:1]); err == nil {
		t.Fatal("UpdateConfig succeeded despite reload failure")
	}

	after, err := mgr.CurrentConfig()
	if err != nil {
		t.Fatalf("CurrentConfig: %v", err)
	}
	if after != before {
		t.Fatal("file not restored to previous config after failed reload")
	}
}

func TestUpdateConfigFirstDeployReloadFailureRemovesFile(t *testing.T) {
	runner := &fakeRunner{reloadErr: errors.New("reload failed")}
	mgr := newTestManager(t, runner)

	if err := mgr.UpdateConfig(context.Background(), testAgents()); err == nil {
		t.Fatal("UpdateConfig succeeded despite reload failure")
	}
	current, err := mgr.CurrentConfig()
	if err != nil {
		t.Fatalf("CurrentConfig: %v", err)
	}
	if current != "" {
		t.Fatal("broken first config left installed after failed reload")
	}
}

func TestRemoveAgentRoutesRedeploysRemaining(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newTestManager(t, runner)

	agents := testAgents()
	if err := mgr.UpdateConfig(context.Background(), agents); err != nil {
		t.Fatalf("initial deploy: %v", err)
	}
	if err := mgr.RemoveAgentRoutes(context.Background(), "beta", agents[1:2]); err != nil {
		t.Fatalf("RemoveAgentRoutes: %v", err)
	}
	current, _ := mgr.CurrentConfig()
	if strings.Contains(current, "/api/beta/") {
		t.Fatal("removed agent still routed")
	}
	if !strings.Contains(current, "/api/alpha/") {
		t.Fatal("remaining agent lost its route")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
