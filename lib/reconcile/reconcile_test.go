// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flotilla-dev/flotilla/lib/clock"
	"github.com/flotilla-dev/flotilla/lib/fleet"
	"github.com/flotilla-dev/flotilla/lib/testutil"
)

type staticRegistry []fleet.AgentRecord

func (s staticRegistry) List() []fleet.AgentRecord { return s }

type fakeRuntime struct {
	pulls    []string
	ups      []string
	upErrFor string
}

func (f *fakeRuntime) Pull(ctx context.Context, unitPath, project string) error {
	f.pulls = append(f.pulls, project)
	return nil
}

func (f *fakeRuntime) Up(ctx context.Context, unitPath, project string) error {
	f.ups = append(f.ups, project)
	if project == f.upErrFor {
		return errors.New("docker compose up: manifest unknown")
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func writeUnit(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compose.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing unit file: %v", err)
	}
	return path
}

func TestReconcilePassCoversAllAgents(t *testing.T) {
	registry := staticRegistry{
		{AgentID: "ada", UnitFilePath: writeUnit(t, "services: {}\n")},
		{AgentID: "grace", UnitFilePath: writeUnit(t, "services: {}\n")},
	}
	rt := &fakeRuntime{}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := New(registry, rt, clk, testLogger(), Options{})

	rec.Reconcile(context.Background())

	if len(rt.ups) != 2 {
		t.Fatalf("ups = %v, want one per agent", rt.ups)
	}
	if len(rt.pulls) != 0 {
		t.Fatalf("pulls = %v, want none when PullImages is off", rt.pulls)
	}
}

func TestReconcileErrorIsolation(t *testing.T) {
	registry := staticRegistry{
		{AgentID: "ada", UnitFilePath: writeUnit(t, "services: {}\n")},
		{AgentID: "grace", UnitFilePath: writeUnit(t, "services: {}\n")},
		{AgentID: "lin", UnitFilePath: writeUnit(t, "services: {}\n")},
	}
	rt := &fakeRuntime{upErrFor: "flotilla-agent-grace"}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := New(registry, rt, clk, testLogger(), Options{})

	rec.Reconcile(context.Background())

	if len(rt.ups) != 3 {
		t.Fatalf("ups = %v, want all three despite one failure", rt.ups)
	}
}

func TestReconcilePullsWhenEnabled(t *testing.T) {
	registry := staticRegistry{
		{AgentID: "ada", UnitFilePath: writeUnit(t, "services: {}\n")},
	}
	rt := &fakeRuntime{}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := New(registry, rt, clk, testLogger(), Options{PullImages: true})

	rec.Reconcile(context.Background())

	if len(rt.pulls) != 1 || rt.pulls[0] != "flotilla-agent-ada" {
		t.Fatalf("pulls = %v, want one for flotilla-agent-ada", rt.pulls)
	}
}

func TestReconcileStopsMidPassOnCancel(t *testing.T) {
	registry := staticRegistry{
		{AgentID: "ada", UnitFilePath: writeUnit(t, "services: {}\n")},
		{AgentID: "grace", UnitFilePath: writeUnit(t, "services: {}\n")},
	}
	rt := &fakeRuntime{}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := New(registry, rt, clk, testLogger(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Reconcile(ctx)

	if len(rt.ups) != 0 {
		t.Fatalf("ups = %v, want none on a cancelled pass", rt.ups)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	rt := &fakeRuntime{}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := New(staticRegistry{}, rt, clk, testLogger(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 1)
	go func() {
		rec.Run(ctx)
		done <- struct{}{}
	}()

	clk.BlockUntil(1)
	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run did not return after cancellation")
}
